package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher decouples notification delivery from the record-mutation
// critical section. Transitions enqueue without blocking; a single worker
// fans each event out to the affected user and the admin broadcast group.
type Dispatcher struct {
	notifier Notifier
	log      zerolog.Logger
	queue    chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher builds a dispatcher with the given queue depth and starts
// its worker.
func NewDispatcher(notifier Notifier, log zerolog.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		notifier: notifier,
		log:      log,
		queue:    make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands off an event for delivery. Never blocks: when the queue is
// saturated the event is dropped with a warning, keeping the per-record
// lock free of notification latency.
func (d *Dispatcher) Enqueue(event Event) {
	select {
	case d.queue <- event:
	default:
		d.log.Warn().
			Str("record_id", event.RecordID).
			Str("new_status", event.NewStatus).
			Msg("notification queue saturated, dropping event")
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx := context.Background()
		if err := d.notifier.Send(ctx, event.UserID, event); err != nil {
			d.log.Warn().Err(err).Str("target", event.UserID).Msg("user notification failed")
		}
		if err := d.notifier.Send(ctx, TargetAdmins, event); err != nil {
			d.log.Warn().Err(err).Msg("admin notification failed")
		}
	}
}
