package notify

import (
	"context"
	"sync"
)

// Recorder is an in-memory Notifier for tests and broker-less development.
type Recorder struct {
	mu   sync.Mutex
	sent map[string][]Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{sent: make(map[string][]Event)}
}

// Send records the event under its target.
func (r *Recorder) Send(_ context.Context, target string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[target] = append(r.sent[target], event)
	return nil
}

// Events returns a copy of the events delivered to a target.
func (r *Recorder) Events(target string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.sent[target]))
	copy(out, r.sent[target])
	return out
}
