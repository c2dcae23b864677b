// Package session owns the session lifecycle state machine. The Coordinator
// is the single writer of the event log and the bus: every entry is persisted
// first and published second, so nothing is ever visible live that could not
// also be recovered by replay.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/api/stream"
	"github.com/gosuda/parley/internal/bus"
	"github.com/gosuda/parley/internal/domain"
)

// ErrInvalidSessionState is returned when an operation is invalid for the
// current session state.
var ErrInvalidSessionState = errors.New("session: invalid state for operation")

const (
	maxPreferences = 32
	reapInterval   = time.Minute
)

type AgentEventKind string

const (
	AgentEventMessage   AgentEventKind = "message"
	AgentEventTool      AgentEventKind = "tool_event"
	AgentEventCompleted AgentEventKind = "completed"
	AgentEventError     AgentEventKind = "error"
)

// AgentEvent is one unit of the worker's callback payload: an assistant
// message, a tool phase update, or a lifecycle signal.
type AgentEvent struct {
	Kind      AgentEventKind    `json:"kind"`
	Content   string            `json:"content,omitempty"`
	ToolEvent *domain.ToolEvent `json:"tool_event,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Coordinator orchestrates session creation, user message intake, agent
// callback ingestion, and idle reaping.
type Coordinator struct {
	sessions       domain.SessionRepository
	eventLog       domain.EventLogRepository
	bus            bus.Bus
	worker         Worker
	idleTimeout    time.Duration
	forwardTimeout time.Duration

	// locks serializes log appends per session (single-writer discipline).
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	done chan struct{}
}

func NewCoordinator(
	sessions domain.SessionRepository,
	eventLog domain.EventLogRepository,
	b bus.Bus,
	worker Worker,
	idleTimeout time.Duration,
	forwardTimeout time.Duration,
) *Coordinator {
	return &Coordinator{
		sessions:       sessions,
		eventLog:       eventLog,
		bus:            b,
		worker:         worker,
		idleTimeout:    idleTimeout,
		forwardTimeout: forwardTimeout,
		locks:          make(map[uuid.UUID]*sync.Mutex),
		done:           make(chan struct{}),
	}
}

// Shutdown stops background work (idle reaper, in-flight forwards).
func (c *Coordinator) Shutdown() {
	close(c.done)
}

// CreateSession allocates a session, persists it, and initializes the agent
// worker. A worker init failure leaves the row in the error state rather than
// deleting it, so the attempt stays auditable.
func (c *Coordinator) CreateSession(ctx context.Context, userID uuid.UUID, tier domain.Tier, preferences map[string]any) (*domain.Session, error) {
	if !domain.ValidTier(tier) {
		return nil, fmt.Errorf("session.Coordinator.CreateSession: tier %q: %w", tier, domain.ErrInvalidPreferences)
	}
	if len(preferences) > maxPreferences {
		return nil, fmt.Errorf("session.Coordinator.CreateSession: %d preference keys: %w", len(preferences), domain.ErrInvalidPreferences)
	}

	now := time.Now()
	session := &domain.Session{
		ID:             uuid.New(),
		UserID:         userID,
		Tier:           tier,
		Status:         domain.SessionStatusConnecting,
		Preferences:    preferences,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session.Coordinator.CreateSession: create: %w", err)
	}

	if err := c.worker.StartSession(ctx, session); err != nil {
		c.failSession(ctx, session.ID, "worker init failed: "+err.Error())
		return nil, fmt.Errorf("session.Coordinator.CreateSession: %w", err)
	}

	if err := c.sessions.UpdateStatus(ctx, session.ID, domain.SessionStatusActive, ""); err != nil {
		return nil, fmt.Errorf("session.Coordinator.CreateSession: update status: %w", err)
	}
	session.Status = domain.SessionStatusActive
	c.publishStatus(ctx, session.ID, domain.SessionStatusActive, "")

	return session, nil
}

// RetrySession re-initializes the worker for a session stuck in the error
// state. The session id is reused; the retry is a new attempt.
func (c *Coordinator) RetrySession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session.Coordinator.RetrySession: %w", err)
	}

	if session.Status.Terminal() {
		return nil, fmt.Errorf("session.Coordinator.RetrySession: %w", domain.ErrSessionTerminal)
	}
	if session.Status != domain.SessionStatusError {
		return nil, fmt.Errorf("session.Coordinator.RetrySession: status %q: %w", session.Status, ErrInvalidSessionState)
	}

	if err = c.sessions.UpdateStatus(ctx, sessionID, domain.SessionStatusConnecting, ""); err != nil {
		return nil, fmt.Errorf("session.Coordinator.RetrySession: update status: %w", err)
	}
	c.publishStatus(ctx, sessionID, domain.SessionStatusConnecting, "")

	if err = c.worker.StartSession(ctx, session); err != nil {
		c.failSession(ctx, sessionID, "worker init failed: "+err.Error())
		return nil, fmt.Errorf("session.Coordinator.RetrySession: %w", err)
	}

	if err = c.sessions.UpdateStatus(ctx, sessionID, domain.SessionStatusActive, ""); err != nil {
		return nil, fmt.Errorf("session.Coordinator.RetrySession: update status: %w", err)
	}
	session.Status = domain.SessionStatusActive
	session.Error = ""
	c.publishStatus(ctx, sessionID, domain.SessionStatusActive, "")

	return session, nil
}

// PostUserMessage persists a user message, publishes it to live viewers, and
// forwards it to the worker. The forward is fire-and-forget: its failure is
// reported asynchronously as a status change, not to this caller.
func (c *Coordinator) PostUserMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) (*domain.Message, uint64, error) {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("session.Coordinator.PostUserMessage: %w", err)
	}
	if session.Status.Terminal() {
		return nil, 0, fmt.Errorf("session.Coordinator.PostUserMessage: %w", domain.ErrSessionTerminal)
	}

	now := time.Now()
	msg := &domain.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: now,
	}

	seq, err := c.appendAndPublish(ctx, &domain.LogEntry{
		SessionID: sessionID,
		Kind:      domain.EntryChatMessage,
		Message:   msg,
		CreatedAt: now,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("session.Coordinator.PostUserMessage: %w", err)
	}

	if userID == uuid.Nil {
		userID = session.UserID
	}

	c.touch(ctx, sessionID, now)
	c.forwardToWorker(sessionID, userID, content)

	return msg, seq, nil
}

// IngestAgentEvent is the worker callback path. It fails closed on unknown or
// completed sessions (logs and drops) since the worker has no one to report
// to synchronously.
func (c *Coordinator) IngestAgentEvent(ctx context.Context, sessionID uuid.UUID, ev AgentEvent) error {
	session, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSession) {
			log.Warn().Str("session_id", sessionID.String()).Msg("session: dropping agent event for unknown session")
			return nil
		}
		return fmt.Errorf("session.Coordinator.IngestAgentEvent: %w", err)
	}

	if session.Status.Terminal() {
		log.Warn().Str("session_id", sessionID.String()).Msg("session: dropping agent event for completed session")
		return nil
	}

	// The worker producing output again after a connection loss means it
	// reconnected; surface the recovery to viewers.
	if session.Status == domain.SessionStatusError && (ev.Kind == AgentEventMessage || ev.Kind == AgentEventTool) {
		if err = c.sessions.UpdateStatus(ctx, sessionID, domain.SessionStatusActive, ""); err != nil {
			return fmt.Errorf("session.Coordinator.IngestAgentEvent: recover status: %w", err)
		}
		c.publishStatus(ctx, sessionID, domain.SessionStatusActive, "")
	}

	now := time.Now()

	switch ev.Kind {
	case AgentEventMessage:
		msg := &domain.Message{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      domain.RoleAssistant,
			Content:   ev.Content,
			Timestamp: now,
		}
		_, err = c.appendAndPublish(ctx, &domain.LogEntry{
			SessionID: sessionID,
			Kind:      domain.EntryChatMessage,
			Message:   msg,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("session.Coordinator.IngestAgentEvent: %w", err)
		}
		c.touch(ctx, sessionID, now)

	case AgentEventTool:
		if ev.ToolEvent == nil {
			log.Warn().Str("session_id", sessionID.String()).Msg("session: dropping tool event without payload")
			return nil
		}
		toolEvent := *ev.ToolEvent
		if toolEvent.ID == uuid.Nil {
			toolEvent.ID = uuid.New()
		}
		toolEvent.SessionID = sessionID
		if toolEvent.Timestamp.IsZero() {
			toolEvent.Timestamp = now
		}
		_, err = c.appendAndPublish(ctx, &domain.LogEntry{
			SessionID: sessionID,
			Kind:      domain.EntryToolEvent,
			ToolEvent: &toolEvent,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("session.Coordinator.IngestAgentEvent: %w", err)
		}
		c.touch(ctx, sessionID, now)

	case AgentEventCompleted:
		c.completeSession(ctx, sessionID, "session completed")

	case AgentEventError:
		c.failSession(ctx, sessionID, ev.Error)

	default:
		log.Warn().Str("session_id", sessionID.String()).Str("kind", string(ev.Kind)).Msg("session: dropping agent event of unknown kind")
	}

	return nil
}

// EndSession records the client-initiated logical delete. It does not force
// the session to completed: other viewers may still be attached, and their
// streams stay live.
func (c *Coordinator) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.sessions.MarkEnded(ctx, sessionID, time.Now()); err != nil {
		return fmt.Errorf("session.Coordinator.EndSession: %w", err)
	}
	return nil
}

// Run drives the idle reaper until ctx is cancelled or Shutdown is called.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			c.reapIdle(ctx)
		}
	}
}

func (c *Coordinator) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-c.idleTimeout)

	idle, err := c.sessions.ListIdleActive(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("session: idle scan failed")
		return
	}

	for _, s := range idle {
		log.Info().Str("session_id", s.ID.String()).Msg("session: completing idle session")
		c.completeSession(ctx, s.ID, "session completed (idle timeout)")
	}
}

// appendAndPublish is the persist-then-publish step shared by every write
// path. The per-session lock keeps seq assignment and publish order aligned;
// a failed append suppresses the publish entirely.
func (c *Coordinator) appendAndPublish(ctx context.Context, entry *domain.LogEntry) (uint64, error) {
	lock := c.lockFor(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// Terminal re-check under the lock: completion may have won the race.
	session, err := c.sessions.GetByID(ctx, entry.SessionID)
	if err != nil {
		return 0, err
	}
	if session.Status.Terminal() {
		return 0, domain.ErrSessionTerminal
	}

	seq, err := c.eventLog.Append(ctx, entry)
	if err != nil {
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		return 0, err
	}

	payload, err := stream.EntryFrame(entry).Encode()
	if err != nil {
		// The entry is durable; live viewers recover it on reconnect.
		log.Error().Err(err).Str("session_id", entry.SessionID.String()).Msg("session: frame encode failed")
		return seq, nil
	}

	if err = c.bus.Publish(ctx, bus.Event{SessionID: entry.SessionID, Seq: seq, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("session_id", entry.SessionID.String()).Msg("session: live publish failed")
	}

	return seq, nil
}

// completeSession appends the durable completion sentinel, flips the status,
// and publishes the terminal frame, in that order.
func (c *Coordinator) completeSession(ctx context.Context, sessionID uuid.UUID, note string) {
	now := time.Now()
	_, err := c.appendAndPublish(ctx, &domain.LogEntry{
		SessionID: sessionID,
		Kind:      domain.EntryChatMessage,
		Message: &domain.Message{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      domain.RoleSystem,
			Content:   note,
			Timestamp: now,
		},
		CreatedAt: now,
	})
	if err != nil && !errors.Is(err, domain.ErrSessionTerminal) {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session: completion sentinel append failed")
	}

	if err = c.sessions.UpdateStatus(ctx, sessionID, domain.SessionStatusCompleted, ""); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session: completion status update failed")
		return
	}

	c.publishFrame(ctx, sessionID, stream.StatusFrame(domain.SessionStatusCompleted, ""))
	c.publishFrame(ctx, sessionID, stream.EndFrame())
}

func (c *Coordinator) failSession(ctx context.Context, sessionID uuid.UUID, detail string) {
	if err := c.sessions.UpdateStatus(ctx, sessionID, domain.SessionStatusError, detail); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session: error status update failed")
		return
	}
	c.publishStatus(ctx, sessionID, domain.SessionStatusError, detail)
}

func (c *Coordinator) publishStatus(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, errDetail string) {
	c.publishFrame(ctx, sessionID, stream.StatusFrame(status, errDetail))
}

func (c *Coordinator) publishFrame(ctx context.Context, sessionID uuid.UUID, frame stream.Frame) {
	payload, err := frame.Encode()
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session: frame encode failed")
		return
	}

	if err = c.bus.Publish(ctx, bus.Event{SessionID: sessionID, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("session: frame publish failed")
	}
}

// forwardToWorker forwards a user message in the background. The poster has
// already been answered; a forward failure surfaces in-band as an error
// status transition.
func (c *Coordinator) forwardToWorker(sessionID, userID uuid.UUID, content string) {
	go func() {
		select {
		case <-c.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.forwardTimeout)
		defer cancel()

		if err := c.worker.SendMessage(ctx, sessionID, userID, content); err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session: worker forward failed")
			c.failSession(ctx, sessionID, "worker unreachable: "+err.Error())
		}
	}()
}

func (c *Coordinator) touch(ctx context.Context, sessionID uuid.UUID, at time.Time) {
	if err := c.sessions.Touch(ctx, sessionID, at); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("session: activity touch failed")
	}
}

func (c *Coordinator) lockFor(sessionID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}
