package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/api/stream"
	"github.com/gosuda/parley/internal/bus"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/session"
	"github.com/gosuda/parley/internal/store/memory"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeWorker struct {
	startFunc func(ctx context.Context, s *domain.Session) error
	sendFunc  func(ctx context.Context, sessionID, userID uuid.UUID, content string) error

	sent chan string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{sent: make(chan string, 16)}
}

func (w *fakeWorker) StartSession(ctx context.Context, s *domain.Session) error {
	if w.startFunc != nil {
		return w.startFunc(ctx, s)
	}
	return nil
}

func (w *fakeWorker) SendMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) error {
	if w.sendFunc != nil {
		return w.sendFunc(ctx, sessionID, userID, content)
	}
	w.sent <- content
	return nil
}

// failingEventLog rejects every append, simulating a persistence outage.
type failingEventLog struct{}

func (f *failingEventLog) Append(_ context.Context, _ *domain.LogEntry) (uint64, error) {
	return 0, domain.ErrPersistence
}

func (f *failingEventLog) ReadFrom(_ context.Context, _ uuid.UUID, _ uint64) ([]*domain.LogEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	store  *memory.Store
	bus    *bus.Memory
	worker *fakeWorker
	coord  *session.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:  memory.New(),
		bus:    bus.NewMemory(32),
		worker: newFakeWorker(),
	}
	h.coord = session.NewCoordinator(h.store.Sessions(), h.store.EventLog(), h.bus, h.worker, 30*time.Minute, 5*time.Second)

	t.Cleanup(func() {
		h.coord.Shutdown()
		_ = h.bus.Close()
	})

	return h
}

func (h *harness) createActive(t *testing.T) *domain.Session {
	t.Helper()

	s, err := h.coord.CreateSession(context.Background(), uuid.New(), domain.TierPro, nil)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusActive, s.Status)
	return s
}

func nextFrame(t *testing.T, sub *bus.Subscription) stream.Frame {
	t.Helper()

	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		frame, err := stream.Decode(evt.Payload)
		require.NoError(t, err)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return stream.Frame{}
	}
}

// ---------------------------------------------------------------------------
// CreateSession
// ---------------------------------------------------------------------------

func TestCreateSession(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		userID := uuid.New()

		started := make(chan *domain.Session, 1)
		h.worker.startFunc = func(_ context.Context, s *domain.Session) error {
			started <- s
			return nil
		}

		s, err := h.coord.CreateSession(context.Background(), userID, domain.TierElite, map[string]any{"league": "nba"})
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, s.ID)
		assert.Equal(t, userID, s.UserID)
		assert.Equal(t, domain.SessionStatusActive, s.Status)

		select {
		case got := <-started:
			assert.Equal(t, s.ID, got.ID)
			assert.Equal(t, domain.TierElite, got.Tier)
		default:
			t.Fatal("worker was not initialized")
		}

		row, err := h.store.Sessions().GetByID(context.Background(), s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusActive, row.Status)
	})

	t.Run("invalid tier", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		_, err := h.coord.CreateSession(context.Background(), uuid.New(), domain.Tier("vip"), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidPreferences)
	})

	t.Run("oversized preferences", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		prefs := make(map[string]any, 40)
		for i := 0; i < 40; i++ {
			prefs[uuid.NewString()] = true
		}

		_, err := h.coord.CreateSession(context.Background(), uuid.New(), domain.TierFree, prefs)
		assert.ErrorIs(t, err, domain.ErrInvalidPreferences)
	})

	t.Run("worker init failure leaves auditable error row", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		var attemptID uuid.UUID
		h.worker.startFunc = func(_ context.Context, s *domain.Session) error {
			attemptID = s.ID
			return domain.ErrAgentUnavailable
		}

		_, err := h.coord.CreateSession(context.Background(), uuid.New(), domain.TierFree, nil)
		require.ErrorIs(t, err, domain.ErrAgentUnavailable)

		// The row survives in the error state; nothing is deleted.
		row, err := h.store.Sessions().GetByID(context.Background(), attemptID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusError, row.Status)
		assert.NotEmpty(t, row.Error)
	})
}

func TestRetrySession(t *testing.T) {
	t.Parallel()

	t.Run("recovers from error state reusing the session id", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		var startedID uuid.UUID
		h.worker.startFunc = func(_ context.Context, s *domain.Session) error {
			startedID = s.ID
			return nil
		}

		seeded := &domain.Session{
			ID:             uuid.New(),
			UserID:         uuid.New(),
			Tier:           domain.TierPro,
			Status:         domain.SessionStatusError,
			Error:          "worker init failed",
			CreatedAt:      time.Now(),
			LastActivityAt: time.Now(),
		}
		require.NoError(t, h.store.Sessions().Create(context.Background(), seeded))

		s, err := h.coord.RetrySession(context.Background(), seeded.ID)
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, s.ID)
		assert.Equal(t, seeded.ID, startedID, "worker re-initialized with the same session id")
		assert.Equal(t, domain.SessionStatusActive, s.Status)
	})

	t.Run("rejected for active session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)

		_, err := h.coord.RetrySession(context.Background(), s.ID)
		assert.ErrorIs(t, err, session.ErrInvalidSessionState)
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		_, err := h.coord.RetrySession(context.Background(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrUnknownSession)
	})
}

// ---------------------------------------------------------------------------
// PostUserMessage
// ---------------------------------------------------------------------------

func TestPostUserMessage(t *testing.T) {
	t.Parallel()

	t.Run("persists with seq 1 and delivers to subscriber", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		sub, err := h.bus.Subscribe(ctx, s.ID)
		require.NoError(t, err)
		defer sub.Close()

		msg, seq, err := h.coord.PostUserMessage(ctx, s.ID, s.UserID, "best bet tonight?")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
		assert.Equal(t, domain.RoleUser, msg.Role)
		assert.Equal(t, "best bet tonight?", msg.Content)

		// Durable before broadcast: the entry is already readable.
		entries, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(1), entries[0].Seq)
		assert.Equal(t, msg.ID, entries[0].EntryID())

		frame := nextFrame(t, sub)
		assert.Equal(t, stream.FrameChatMessage, frame.Type)
		assert.Equal(t, uint64(1), frame.Seq)
		require.NotNil(t, frame.Message)
		assert.Equal(t, msg.ID, frame.Message.ID)

		// And the fire-and-forget forward reaches the worker.
		select {
		case content := <-h.worker.sent:
			assert.Equal(t, "best bet tonight?", content)
		case <-time.After(2 * time.Second):
			t.Fatal("message was not forwarded to the worker")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		_, _, err := h.coord.PostUserMessage(context.Background(), uuid.New(), uuid.New(), "hi")
		assert.ErrorIs(t, err, domain.ErrUnknownSession)
	})

	t.Run("terminal session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{Kind: session.AgentEventCompleted}))

		_, _, err := h.coord.PostUserMessage(ctx, s.ID, s.UserID, "still there?")
		assert.ErrorIs(t, err, domain.ErrSessionTerminal)
	})

	t.Run("persistence failure suppresses publish", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		// Swap in a coordinator whose log rejects writes.
		failing := session.NewCoordinator(h.store.Sessions(), &failingEventLog{}, h.bus, h.worker, 30*time.Minute, 5*time.Second)
		defer failing.Shutdown()

		sub, err := h.bus.Subscribe(ctx, s.ID)
		require.NoError(t, err)
		defer sub.Close()

		_, _, err = failing.PostUserMessage(ctx, s.ID, s.UserID, "will not persist")
		require.ErrorIs(t, err, domain.ErrPersistence)

		select {
		case evt := <-sub.C:
			t.Fatalf("no live subscriber may see an unpersisted event, got seq %d", evt.Seq)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("forward failure surfaces as error status frame", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		h.worker.sendFunc = func(_ context.Context, _, _ uuid.UUID, _ string) error {
			return domain.ErrAgentUnavailable
		}

		sub, err := h.bus.Subscribe(ctx, s.ID)
		require.NoError(t, err)
		defer sub.Close()

		_, _, err = h.coord.PostUserMessage(ctx, s.ID, s.UserID, "hello")
		require.NoError(t, err, "forward failure is asynchronous, not a poster error")

		frame := nextFrame(t, sub)
		assert.Equal(t, stream.FrameChatMessage, frame.Type)

		frame = nextFrame(t, sub)
		assert.Equal(t, stream.FrameStatus, frame.Type)
		assert.Equal(t, domain.SessionStatusError, frame.Status)
	})
}

// ---------------------------------------------------------------------------
// IngestAgentEvent
// ---------------------------------------------------------------------------

func TestIngestAgentEvent(t *testing.T) {
	t.Parallel()

	t.Run("assistant message", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		err := h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
			Kind:    session.AgentEventMessage,
			Content: "Lakers -3.5 looks strong",
		})
		require.NoError(t, err)

		entries, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.RoleAssistant, entries[0].Message.Role)
	})

	t.Run("tool phases keep order per agent event id", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		phases := []domain.ToolPhase{domain.PhaseToolInvocation, domain.PhaseResult}
		for _, phase := range phases {
			err := h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
				Kind: session.AgentEventTool,
				ToolEvent: &domain.ToolEvent{
					AgentEventID: "tool-42",
					Phase:        phase,
					Tool:         "search",
				},
			})
			require.NoError(t, err)
		}

		entries, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, domain.PhaseToolInvocation, entries[0].ToolEvent.Phase)
		assert.Equal(t, domain.PhaseResult, entries[1].ToolEvent.Phase)
		assert.Less(t, entries[0].Seq, entries[1].Seq)
	})

	t.Run("unknown session drops without error", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		err := h.coord.IngestAgentEvent(context.Background(), uuid.New(), session.AgentEvent{
			Kind:    session.AgentEventMessage,
			Content: "orphaned",
		})
		assert.NoError(t, err, "worker callback path fails closed")
	})

	t.Run("completed emits sentinel then terminal frames", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		sub, err := h.bus.Subscribe(ctx, s.ID)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{Kind: session.AgentEventCompleted}))

		frame := nextFrame(t, sub)
		assert.Equal(t, stream.FrameChatMessage, frame.Type)
		require.NotNil(t, frame.Message)
		assert.Equal(t, domain.RoleSystem, frame.Message.Role)

		frame = nextFrame(t, sub)
		assert.Equal(t, stream.FrameStatus, frame.Type)
		assert.Equal(t, domain.SessionStatusCompleted, frame.Status)

		frame = nextFrame(t, sub)
		assert.Equal(t, stream.FrameEnd, frame.Type)

		row, err := h.store.Sessions().GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, row.Status)
	})

	t.Run("terminal finality: appends rejected after completion", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{Kind: session.AgentEventCompleted}))

		before, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)

		// Late agent output is dropped, not appended.
		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
			Kind:    session.AgentEventMessage,
			Content: "too late",
		}))

		after, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, len(before), len(after))
	})

	t.Run("error then output recovers to active", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
			Kind:  session.AgentEventError,
			Error: "worker connection lost",
		}))

		row, err := h.store.Sessions().GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusError, row.Status)
		assert.Equal(t, "worker connection lost", row.Error)

		require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
			Kind:    session.AgentEventMessage,
			Content: "back online",
		}))

		row, err = h.store.Sessions().GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusActive, row.Status)
	})
}

// ---------------------------------------------------------------------------
// EndSession
// ---------------------------------------------------------------------------

func TestEndSession(t *testing.T) {
	t.Parallel()

	t.Run("logical delete preserves the row and log", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)
		ctx := context.Background()

		_, _, err := h.coord.PostUserMessage(ctx, s.ID, s.UserID, "hi")
		require.NoError(t, err)

		require.NoError(t, h.coord.EndSession(ctx, s.ID))

		row, err := h.store.Sessions().GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.NotNil(t, row.EndedAt)
		assert.Equal(t, domain.SessionStatusActive, row.Status, "end does not force completed for other viewers")

		entries, err := h.store.EventLog().ReadFrom(ctx, s.ID, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "log survives for audit")
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		err := h.coord.EndSession(context.Background(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrUnknownSession)
	})
}

// ---------------------------------------------------------------------------
// Ordering across write paths
// ---------------------------------------------------------------------------

func TestSequenceOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s := h.createActive(t)
	ctx := context.Background()

	sub, err := h.bus.Subscribe(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	_, seq, err := h.coord.PostUserMessage(ctx, s.ID, s.UserID, "first")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
		Kind: session.AgentEventTool,
		ToolEvent: &domain.ToolEvent{
			AgentEventID: "tool-1",
			Phase:        domain.PhaseThinking,
			Tool:         "search",
		},
	}))
	require.NoError(t, h.coord.IngestAgentEvent(ctx, s.ID, session.AgentEvent{
		Kind:    session.AgentEventMessage,
		Content: "answer",
	}))

	var want uint64 = 1
	for want <= 3 {
		frame := nextFrame(t, sub)
		if frame.Seq == 0 {
			continue // control frames carry no seq
		}
		assert.Equal(t, want, frame.Seq, "delivered seq values are strictly increasing and gap-free")
		want++
	}
}

func TestAppendAndPublishErrors(t *testing.T) {
	t.Parallel()

	t.Run("non-persistence append error is wrapped", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		s := h.createActive(t)

		plainErr := errors.New("disk on fire")
		coord := session.NewCoordinator(h.store.Sessions(), &erroringEventLog{err: plainErr}, h.bus, h.worker, 30*time.Minute, 5*time.Second)
		defer coord.Shutdown()

		_, _, err := coord.PostUserMessage(context.Background(), s.ID, s.UserID, "hi")
		assert.ErrorIs(t, err, domain.ErrPersistence)
		assert.ErrorIs(t, err, plainErr)
	})
}

type erroringEventLog struct {
	err error
}

func (e *erroringEventLog) Append(_ context.Context, _ *domain.LogEntry) (uint64, error) {
	return 0, e.err
}

func (e *erroringEventLog) ReadFrom(_ context.Context, _ uuid.UUID, _ uint64) ([]*domain.LogEntry, error) {
	return nil, nil
}
