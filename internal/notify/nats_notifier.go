package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject convention:
//
//	gatekeeper.user.<user_id>  events for one user
//	gatekeeper.admin.events    broadcast for administrative observers
const (
	userSubjectPrefix   = "gatekeeper.user."
	adminBroadcastTopic = "gatekeeper.admin.events"
)

// NATSNotifier publishes access events to NATS for consumption by the
// portal's delivery layer (web sockets, bots). Publish failures are logged
// and swallowed so notification problems never interrupt access decisions.
type NATSNotifier struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSNotifier wraps an established NATS connection.
func NewNATSNotifier(conn *nats.Conn, log zerolog.Logger) *NATSNotifier {
	return &NATSNotifier{conn: conn, log: log}
}

// Connect dials NATS with reconnect enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
}

// Send publishes one event. A nil connection makes the notifier a no-op so
// the engine can run without a broker in development.
func (n *NATSNotifier) Send(_ context.Context, target string, event Event) error {
	if n.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := userSubjectPrefix + target
	if target == TargetAdmins {
		subject = adminBroadcastTopic
	}

	if err := n.conn.Publish(subject, data); err != nil {
		n.log.Warn().Err(err).
			Str("subject", subject).
			Str("record_id", event.RecordID).
			Msg("notification: failed to publish event (non-fatal)")
		return err
	}

	n.log.Debug().
		Str("subject", subject).
		Str("record_id", event.RecordID).
		Str("new_status", event.NewStatus).
		Msg("notification: event published")
	return nil
}
