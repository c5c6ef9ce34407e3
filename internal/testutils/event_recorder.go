package testutils

import (
	"sync"
	"time"

	"github.com/srg/blecentral/internal/device"
)

// EventRecorder is a Publisher that keeps every event it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []device.Event
}

// NewEventRecorder returns an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Publish records ev.
func (r *EventRecorder) Publish(ev device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns every recorded event in publish order.
func (r *EventRecorder) Events() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

// Of returns the recorded events of one kind.
func (r *EventRecorder) Of(kind device.EventKind) []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor polls until at least n events of kind were recorded.
func (r *EventRecorder) WaitFor(kind device.EventKind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(r.Of(kind)) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reset forgets every recorded event.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
