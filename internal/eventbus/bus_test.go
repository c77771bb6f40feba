package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testHandler is a configurable handler for testing.
type testHandler struct {
	id       string
	handles  []EventType
	priority int
	fn       func(ctx context.Context, env *Envelope, result *Result) error
}

func (h *testHandler) ID() string           { return h.id }
func (h *testHandler) Handles() []EventType { return h.handles }
func (h *testHandler) Priority() int        { return h.priority }

func (h *testHandler) Handle(ctx context.Context, env *Envelope, result *Result) error {
	if h.fn != nil {
		return h.fn(ctx, env, result)
	}
	return nil
}

func testEnvelope(t EventType) *Envelope {
	return NewEnvelope(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "test", t, PriorityInfo, nil)
}

func TestDispatchNoHandlers(t *testing.T) {
	bus := New(nil)
	result, err := bus.Dispatch(context.Background(), testEnvelope(EventRunNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Handled != 0 {
		t.Errorf("expected 0 handled, got %d", result.Handled)
	}
}

func TestDispatchNilEnvelope(t *testing.T) {
	bus := New(nil)
	if _, err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil envelope")
	}
}

func TestDispatchMatchingHandlers(t *testing.T) {
	bus := New(nil)
	var called []string

	bus.Register(&testHandler{
		id:       "cooldown-handler",
		handles:  []EventType{EventResetCooldown, EventRunNow},
		priority: 10,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			called = append(called, "cooldown-handler")
			return nil
		},
	})
	bus.Register(&testHandler{
		id:       "monitor-handler",
		handles:  []EventType{EventMonitorAlert},
		priority: 10,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			called = append(called, "monitor-handler")
			return nil
		},
	})

	if _, err := bus.Dispatch(context.Background(), testEnvelope(EventRunNow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "cooldown-handler" {
		t.Errorf("expected [cooldown-handler], got %v", called)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(nil)
	var order []string
	for _, h := range []struct {
		name string
		prio int
	}{{"low", 100}, {"high", 1}, {"medium", 50}} {
		name := h.name
		bus.Register(&testHandler{
			id:       name,
			handles:  []EventType{EventMonitorSummary},
			priority: h.prio,
			fn: func(ctx context.Context, env *Envelope, result *Result) error {
				order = append(order, name)
				return nil
			},
		})
	}

	if _, err := bus.Dispatch(context.Background(), testEnvelope(EventMonitorSummary)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"high", "medium", "low"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d handlers, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %q, got %q", i, v, order[i])
		}
	}
}

func TestDispatchWildcard(t *testing.T) {
	bus := New(nil)
	var seen []EventType
	bus.Register(&FuncHandler{
		HandlerID: "all",
		Types:     []EventType{EventAny},
		Fn: func(ctx context.Context, env *Envelope) error {
			seen = append(seen, env.EventType)
			return nil
		},
	})
	_, _ = bus.Dispatch(context.Background(), testEnvelope(EventCooldown))
	_, _ = bus.Dispatch(context.Background(), testEnvelope(EventThrottled))
	if len(seen) != 2 || seen[0] != EventCooldown || seen[1] != EventThrottled {
		t.Errorf("unexpected wildcard deliveries: %v", seen)
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(nil)
	var called []string

	bus.Register(&testHandler{
		id:       "failing-handler",
		handles:  []EventType{EventDriverFailure},
		priority: 1,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			called = append(called, "failing")
			return errors.New("boom")
		},
	})
	bus.Register(&testHandler{
		id:       "ok-handler",
		handles:  []EventType{EventDriverFailure},
		priority: 2,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			called = append(called, "ok")
			return nil
		},
	})

	result, err := bus.Dispatch(context.Background(), testEnvelope(EventDriverFailure))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 2 {
		t.Fatalf("expected both handlers called, got %v", called)
	}
	if result.Handled != 1 {
		t.Errorf("expected 1 handled, got %d", result.Handled)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %v", result.Warnings)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New(nil)
	bus.Register(&testHandler{id: "h", handles: []EventType{EventRunNow}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Dispatch(ctx, testEnvelope(EventRunNow)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestUnregister(t *testing.T) {
	bus := New(nil)
	bus.Register(&testHandler{id: "a"})
	bus.Register(&testHandler{id: "b"})
	if !bus.Unregister("a") {
		t.Fatal("expected Unregister(a) to succeed")
	}
	if bus.Unregister("a") {
		t.Fatal("expected second Unregister(a) to fail")
	}
	if hs := bus.Handlers(); len(hs) != 1 || hs[0].ID() != "b" {
		t.Errorf("unexpected handlers after unregister: %v", hs)
	}
}

func TestNewEnvelopeDefaults(t *testing.T) {
	env := NewEnvelope(time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)), "ArchitectDaemon", EventCooldown, "", nil)
	if env.Priority != PriorityInfo {
		t.Errorf("expected default priority info, got %q", env.Priority)
	}
	if env.Payload == nil {
		t.Error("expected non-nil payload")
	}
	if env.Timestamp != "2026-01-02T02:04:05Z" {
		t.Errorf("unexpected timestamp %q", env.Timestamp)
	}
}

func TestPulseLogAppendsEnvelopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pulses.jsonl")
	bus := New(nil)
	bus.Register(NewPulseLog(path))

	for _, et := range []EventType{EventCycleStart, EventCooldown} {
		if _, err := bus.Dispatch(context.Background(), testEnvelope(et)); err != nil {
			t.Fatalf("dispatch %s: %v", et, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pulse log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var env Envelope
	if err := json.Unmarshal([]byte(lines[1]), &env); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if env.EventType != EventCooldown || env.SourceDaemon != "test" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestRegisterReplacesSameID(t *testing.T) {
	bus := New(nil)
	var got []string
	for _, tag := range []string{"old", "new"} {
		tag := tag
		bus.Register(&testHandler{
			id:      "hook",
			handles: []EventType{EventRunNow},
			fn: func(ctx context.Context, env *Envelope, result *Result) error {
				got = append(got, tag)
				return nil
			},
		})
	}
	if n := len(bus.Handlers()); n != 1 {
		t.Fatalf("expected 1 handler after re-register, got %d", n)
	}
	_, _ = bus.Dispatch(context.Background(), testEnvelope(EventRunNow))
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("expected only the replacement to run, got %v", got)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	bus := New(nil)
	ran := false
	bus.Register(&testHandler{
		id:       "panics",
		handles:  []EventType{EventAny},
		priority: 1,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			panic("bad payload")
		},
	})
	bus.Register(&testHandler{
		id:       "after",
		handles:  []EventType{EventAny},
		priority: 2,
		fn: func(ctx context.Context, env *Envelope, result *Result) error {
			ran = true
			return nil
		},
	})
	result, err := bus.Dispatch(context.Background(), testEnvelope(EventMonitorAlert))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("handler after the panic did not run")
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "panic: bad payload") {
		t.Errorf("expected panic warning, got %v", result.Warnings)
	}
}
