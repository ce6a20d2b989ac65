package monitor

import (
	"context"
	"sync"
)

// Recorder keeps the most recent events in memory. It backs the admin surface and tests.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewRecorder creates a recorder holding at most capacity events. Capacity <=0 implies unbounded.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{capacity: capacity, events: make([]Event, 0)}
}

// Record implements Sink. The oldest event is dropped when the recorder is full.
func (r *Recorder) Record(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt.Fields = cloneFields(evt.Fields)
	if r.capacity > 0 && len(r.events) >= r.capacity {
		copy(r.events[0:], r.events[1:])
		r.events[len(r.events)-1] = evt
		return
	}
	r.events = append(r.events, evt)
}

// Events returns a copy of the retained events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many retained events have the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

// Drain returns and clears the retained events.
func (r *Recorder) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	r.events = r.events[:0]
	return out
}

func cloneFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
