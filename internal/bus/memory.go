package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

const defaultQueueSize = 64

type memorySub struct {
	sessionID uuid.UUID
	ch        chan Event
}

// Memory is the in-process Bus implementation: a per-session subscriber set
// behind a mutex, one bounded queue per subscriber.
type Memory struct {
	queueSize int

	mu     sync.Mutex
	subs   map[uuid.UUID]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an in-process bus. queueSize bounds each subscriber's
// queue; values <= 0 use the default.
func NewMemory(queueSize int) *Memory {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Memory{
		queueSize: queueSize,
		subs:      make(map[uuid.UUID]map[*memorySub]struct{}),
	}
}

func (m *Memory) Subscribe(_ context.Context, sessionID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		sessionID: sessionID,
		ch:        make(chan Event, m.queueSize),
	}

	set, ok := m.subs[sessionID]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[sessionID] = set
	}
	set[sub] = struct{}{}

	return &Subscription{
		C:      sub.ch,
		cancel: func() { m.remove(sub) },
	}, nil
}

func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for sub := range m.subs[evt.SessionID] {
		select {
		case sub.ch <- evt:
		default:
			// Queue full: this subscriber is stalled. Drop it so the
			// publisher and its siblings keep moving; the client recovers
			// by reconnecting and replaying the log.
			m.dropLocked(sub)
			log.Warn().
				Str("session_id", evt.SessionID.String()).
				Msg("bus: subscriber queue overflow, dropping subscriber")
		}
	}

	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, set := range m.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	m.subs = make(map[uuid.UUID]map[*memorySub]struct{})

	return nil
}

// SubscriberCount reports the current number of subscribers for a session.
func (m *Memory) SubscriberCount(sessionID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[sessionID])
}

// remove detaches a subscriber without closing its channel (consumer-initiated).
func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.sessionID)
	}
	close(sub.ch)
}

// dropLocked detaches and closes an overflowed subscriber. Caller holds m.mu.
func (m *Memory) dropLocked(sub *memorySub) {
	set, ok := m.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.sessionID)
	}
	close(sub.ch)
}

var _ Bus = (*Memory)(nil)
