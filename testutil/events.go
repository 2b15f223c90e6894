package testutil

import (
	"context"
	"sync"

	"github.com/tiroq/proctor/internal/emitter"
)

// EventRecorder is an emitter.Publisher that keeps every event.
type EventRecorder struct {
	mu     sync.Mutex
	events []emitter.Event
	Err    error // returned from Publish when set
}

func (r *EventRecorder) Publish(_ context.Context, ev emitter.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *EventRecorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *EventRecorder) Events() []emitter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitter.Event(nil), r.events...)
}

// OfType returns the published events of typ.
func (r *EventRecorder) OfType(typ string) []emitter.Event {
	var out []emitter.Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
