package eventbus

import (
	"context"
	"sync"
)

// Recorded is one call captured by Recorder.
type Recorded struct {
	Type     EventType
	Priority Priority
	Fields   map[string]any
}

// Recorder is an Emitter that keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) Emit(_ context.Context, eventType EventType, priority Priority, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: eventType, Priority: priority, Fields: fields})
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Of returns the events of the given type, in emission order.
func (r *Recorder) Of(eventType EventType) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of events of the given type.
func (r *Recorder) Count(eventType EventType) int {
	return len(r.Of(eventType))
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
