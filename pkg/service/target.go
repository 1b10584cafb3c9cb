package service

import "slices"

// TargetSession selects the sessions a message is sent to.
type TargetSession struct {
	all bool
	ids []uint64
}

// TargetAll selects every established session.
func TargetAll() TargetSession {
	return TargetSession{all: true}
}

// TargetSingle selects one session.
func TargetSingle(id uint64) TargetSession {
	return TargetSession{ids: []uint64{id}}
}

// TargetMulti selects the listed sessions.
func TargetMulti(ids ...uint64) TargetSession {
	return TargetSession{ids: slices.Clone(ids)}
}

// IsAll reports whether the target is every session.
func (t TargetSession) IsAll() bool { return t.all }

// IDs returns the selected session ids; nil for TargetAll.
func (t TargetSession) IDs() []uint64 { return slices.Clone(t.ids) }
