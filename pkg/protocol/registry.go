package protocol

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

type registration struct {
	meta       Meta
	factory    Factory
	service    ServiceHandler
	beforeSend BeforeSend
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

// WithServiceHandler attaches a service-wide handler. A protocol with a
// service handler may be registered without a factory.
func WithServiceHandler(h ServiceHandler) RegisterOption {
	return func(r *registration) { r.service = h }
}

// WithBeforeSend transforms every message sent on the protocol.
func WithBeforeSend(fn BeforeSend) RegisterOption {
	return func(r *registration) { r.beforeSend = fn }
}

func noopFactory() Handler { return HandlerFuncs{} }

// Registry maps protocol ids to handler factories. Registration happens
// during setup; once frozen the registry is read-only and shared by all
// sessions.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ID]registration
	byName map[string]ID
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[ID]registration),
		byName: make(map[string]ID),
	}
}

// Register adds a protocol.
func (r *Registry) Register(meta Meta, factory Factory, opts ...RegisterOption) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	reg := registration{factory: factory}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.factory == nil {
		if reg.service == nil {
			return fmt.Errorf("%w: protocol %s has no factory", ErrInvalidMeta, meta)
		}
		reg.factory = noopFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.byID[meta.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateProtocol, meta.ID)
	}
	if _, ok := r.byName[meta.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateProtocol, meta.Name)
	}

	meta.Versions = slices.Clone(meta.Versions)
	reg.meta = meta
	r.byID[meta.ID] = reg
	r.byName[meta.Name] = meta.ID
	return nil
}

// ServiceHandler returns the service-wide handler of protocol id.
func (r *Registry) ServiceHandler(id ID) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg.service, ok && reg.service != nil
}

// BeforeSend returns the outgoing transform of protocol id, or nil.
func (r *Registry) BeforeSend(id ID) BeforeSend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].beforeSend
}

// Lookup returns the protocol registered under id.
func (r *Registry) Lookup(id ID) (Meta, Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg.meta, reg.factory, ok
}

// LookupName returns the protocol registered under name.
func (r *Registry) LookupName(name string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Meta{}, false
	}
	return r.byID[id].meta, true
}

// Metas returns all registered protocols ordered by id.
func (r *Registry) Metas() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]Meta, 0, len(r.byID))
	for _, reg := range r.byID {
		metas = append(metas, reg.meta)
	}
	slices.SortFunc(metas, func(a, b Meta) int { return cmp.Compare(a.ID, b.ID) })
	return metas
}

// Len returns the number of registered protocols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
