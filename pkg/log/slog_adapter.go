package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.PeerID != "" {
		attrs = append(attrs, slog.String("peer", event.PeerID))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Uint64("stream", uint64(event.Frame.StreamID)),
			slog.String("frame", event.Frame.Type),
			slog.Int("length", event.Frame.Length),
		)
	case event.Handshake != nil:
		attrs = append(attrs, slog.String("step", event.Handshake.Step))
		if event.Handshake.Exchange != "" {
			attrs = append(attrs, slog.String("exchange", event.Handshake.Exchange))
		}
		if event.Handshake.Cipher != "" {
			attrs = append(attrs, slog.String("cipher", event.Handshake.Cipher))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Entity != StateEntitySession {
			attrs = append(attrs, slog.Uint64("stream", uint64(event.StateChange.StreamID)))
		}
		if event.StateChange.ProtocolID != 0 {
			attrs = append(attrs, slog.Uint64("protocol", uint64(event.StateChange.ProtocolID)))
		}
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs,
			slog.String("ctrl_type", event.ControlMsg.Type.String()),
			slog.Uint64("stream", uint64(event.ControlMsg.StreamID)),
			slog.Uint64("value", uint64(event.ControlMsg.Value)),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
