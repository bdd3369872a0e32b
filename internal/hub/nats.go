// internal/hub/nats.go
package hub

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

// DefaultEventPrefix is the subject prefix used when none is configured.
const DefaultEventPrefix = "hub.events"

// EventPublisher is satisfied by *nats.Conn.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

var _ EventPublisher = (*nats.Conn)(nil)

// eventMirror copies routed client traffic to a message bus so other services
// can observe the hub. It is fire-and-forget; failures are only logged.
type eventMirror struct {
	pub    EventPublisher
	prefix string
	log    *logger.Logger
}

func (m *eventMirror) publish(env message.Envelope, now time.Time) {
	switch env.Kind {
	case message.KindJoin, message.KindLeave, message.KindMessage, message.KindSync:
	default:
		return
	}

	prefix := m.prefix
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	data, err := message.Encode(env, now)
	if err != nil {
		m.log.Errorf("Failed to marshal %s event: %v", env.Kind, err)
		return
	}
	if err := m.pub.Publish(prefix+"."+string(env.Kind), data); err != nil {
		m.log.WithField("kind", env.Kind).Err(err, "Failed to publish event to NATS")
	}
}
