package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steveyegge/architect/internal/telemetry"
)

// Bus delivers envelopes to in-process handlers. The daemon uses one bus for
// inbound pulses and another for what it publishes, so a handler on one can
// never re-enter the other.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler // kept sorted by Priority, stable within a priority
	log      *zap.SugaredLogger

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New returns an empty bus.
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := telemetry.Meter("github.com/steveyegge/architect/eventbus")
	b := &Bus{log: log}
	b.delivered, _ = m.Int64Counter("architect.bus.delivered",
		metric.WithDescription("Envelopes handled without error, by event type"),
		metric.WithUnit("{envelope}"),
	)
	b.failed, _ = m.Int64Counter("architect.bus.failed",
		metric.WithDescription("Handler errors and panics, by handler"),
		metric.WithUnit("{error}"),
	)
	return b
}

// Register adds h. A handler already registered under the same ID is replaced
// in place of being duplicated.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = slices.DeleteFunc(b.handlers, func(x Handler) bool { return x.ID() == h.ID() })
	at := len(b.handlers)
	for i, x := range b.handlers {
		if h.Priority() < x.Priority() {
			at = i
			break
		}
	}
	b.handlers = slices.Insert(b.handlers, at, h)
}

// Unregister removes the handler with id and reports whether it was present.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.handlers)
	b.handlers = slices.DeleteFunc(b.handlers, func(x Handler) bool { return x.ID() == id })
	return len(b.handlers) < n
}

// Handlers returns the registered handlers in call order.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.handlers)
}

// Dispatch calls every handler subscribed to env's type, lowest priority
// first. A failing or panicking handler is recorded as a warning and the
// rest still run; only a cancelled context stops the chain.
func (b *Bus) Dispatch(ctx context.Context, env *Envelope) (*Result, error) {
	if env == nil {
		return nil, fmt.Errorf("eventbus: nil envelope")
	}
	b.mu.RLock()
	var matching []Handler
	for _, h := range b.handlers {
		if subscribed(h, env.EventType) {
			matching = append(matching, h)
		}
	}
	b.mu.RUnlock()

	result := &Result{}
	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := b.call(ctx, h, env, result); err != nil {
			b.log.Warnw("pulse handler failed", "handler", h.ID(), "event", env.EventType, "source", env.SourceDaemon, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", h.ID(), err))
			b.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", h.ID())))
			continue
		}
		result.Handled++
	}
	if result.Handled > 0 {
		b.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(env.EventType))))
	}
	return result, nil
}

func (b *Bus) call(ctx context.Context, h Handler, env *Envelope, result *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, env, result)
}

func subscribed(h Handler, t EventType) bool {
	for _, want := range h.Handles() {
		if want == t || want == EventAny {
			return true
		}
	}
	return false
}
