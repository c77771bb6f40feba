package eventbus

import "context"

// Handler processes envelopes on the bus. Handlers are called in priority order
// (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes. EventAny
	// subscribes to everything.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single envelope and may modify the aggregated result.
	// Returning an error logs a warning but does not stop the handler chain.
	Handle(ctx context.Context, env *Envelope, result *Result) error
}

// FuncHandler adapts a function to the Handler interface.
type FuncHandler struct {
	HandlerID string
	Types     []EventType
	Order     int
	Fn        func(ctx context.Context, env *Envelope) error
}

func (h *FuncHandler) ID() string           { return h.HandlerID }
func (h *FuncHandler) Handles() []EventType { return h.Types }
func (h *FuncHandler) Priority() int        { return h.Order }

func (h *FuncHandler) Handle(ctx context.Context, env *Envelope, _ *Result) error {
	if h.Fn == nil {
		return nil
	}
	return h.Fn(ctx, env)
}

// Emitter is the write side used by daemon components to report transitions.
// Implementations append to the audit log before publishing.
type Emitter interface {
	Emit(ctx context.Context, eventType EventType, priority Priority, fields map[string]any)
}
