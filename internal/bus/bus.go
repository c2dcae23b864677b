// Package bus provides live fan-out of session events to connected viewers.
// The bus is best-effort and never persists; durable recovery is the event
// log's job. Two implementations satisfy Bus: an in-process one for
// single-instance deployments and a Redis-backed one for multi-instance.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Event is one live fan-out unit. Payload is the pre-marshaled stream frame;
// Seq is the event log sequence number, or zero for control frames
// (status changes, terminal sentinel) that are not part of the log.
type Event struct {
	SessionID uuid.UUID `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Payload   []byte    `json:"payload"`
}

// Subscription is a live feed for one session. C is closed when the
// subscription is cancelled, the bus shuts down, or the subscriber falls so
// far behind that its queue overflows; the consumer is expected to drop the
// connection and recover by log replay.
type Subscription struct {
	C <-chan Event

	cancel func()
	once   sync.Once
}

// Close cancels the subscription. Idempotent and safe after the channel has
// already been closed by the bus.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Bus routes published events to every current subscriber of a session.
type Bus interface {
	// Subscribe registers a new subscriber for the session. Multiple
	// concurrent subscribers per session are allowed.
	Subscribe(ctx context.Context, sessionID uuid.UUID) (*Subscription, error)

	// Publish delivers the event to all current subscribers of the session.
	// It never blocks on a slow subscriber: on queue overflow that one
	// subscriber is dropped (its channel closes) and delivery to the rest
	// proceeds.
	Publish(ctx context.Context, evt Event) error

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}

// SessionChannel returns the broker channel name for a session's live feed.
func SessionChannel(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}
