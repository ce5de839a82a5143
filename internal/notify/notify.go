// Package notify carries state-transition events out of the engine.
// Delivery is best-effort and at-most-once: the access record is the
// durable source of truth, so a failed or dropped notification is logged
// and never propagated back into the transition.
package notify

import "context"

// TargetAdmins is the broadcast group for administrative observers. Every
// other target is a user id.
const TargetAdmins = "admins"

// Event is emitted once per state-machine transition.
type Event struct {
	RecordID  string `json:"record_id"`
	UserID    string `json:"user_id"`
	NodeCode  string `json:"node_code"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

// Notifier delivers a single event to a target. Implementations are
// fire-and-forget; the engine never awaits acknowledgment.
type Notifier interface {
	Send(ctx context.Context, target string, event Event) error
}
