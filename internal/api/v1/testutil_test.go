package v1_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/session"
)

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	sessions domain.SessionRepository
	eventLog domain.EventLogRepository
}

func (m *mockDataStore) Sessions() domain.SessionRepository { return m.sessions }
func (m *mockDataStore) EventLog() domain.EventLogRepository { return m.eventLog }

// ---------------------------------------------------------------------------
// Mock SessionRepository
// ---------------------------------------------------------------------------

type mockSessionRepo struct {
	createFunc         func(ctx context.Context, s *domain.Session) error
	getByIDFunc        func(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	updateStatusFunc   func(ctx context.Context, id uuid.UUID, status domain.SessionStatus, errDetail string) error
	touchFunc          func(ctx context.Context, id uuid.UUID, at time.Time) error
	markEndedFunc      func(ctx context.Context, id uuid.UUID, at time.Time) error
	listIdleActiveFunc func(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

func (m *mockSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	return m.createFunc(ctx, s)
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockSessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, errDetail string) error {
	return m.updateStatusFunc(ctx, id, status, errDetail)
}

func (m *mockSessionRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.touchFunc(ctx, id, at)
}

func (m *mockSessionRepo) MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.markEndedFunc(ctx, id, at)
}

func (m *mockSessionRepo) ListIdleActive(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	return m.listIdleActiveFunc(ctx, cutoff)
}

// ---------------------------------------------------------------------------
// Mock EventLogRepository
// ---------------------------------------------------------------------------

type mockEventLogRepo struct {
	appendFunc   func(ctx context.Context, entry *domain.LogEntry) (uint64, error)
	readFromFunc func(ctx context.Context, sessionID uuid.UUID, afterSeq uint64) ([]*domain.LogEntry, error)
}

func (m *mockEventLogRepo) Append(ctx context.Context, entry *domain.LogEntry) (uint64, error) {
	return m.appendFunc(ctx, entry)
}

func (m *mockEventLogRepo) ReadFrom(ctx context.Context, sessionID uuid.UUID, afterSeq uint64) ([]*domain.LogEntry, error) {
	return m.readFromFunc(ctx, sessionID, afterSeq)
}

// ---------------------------------------------------------------------------
// Mock Coordinator
// ---------------------------------------------------------------------------

type mockCoordinator struct {
	createSessionFunc    func(ctx context.Context, userID uuid.UUID, tier domain.Tier, preferences map[string]any) (*domain.Session, error)
	retrySessionFunc     func(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	postUserMessageFunc  func(ctx context.Context, sessionID, userID uuid.UUID, content string) (*domain.Message, uint64, error)
	ingestAgentEventFunc func(ctx context.Context, sessionID uuid.UUID, ev session.AgentEvent) error
	endSessionFunc       func(ctx context.Context, sessionID uuid.UUID) error
}

func (m *mockCoordinator) CreateSession(ctx context.Context, userID uuid.UUID, tier domain.Tier, preferences map[string]any) (*domain.Session, error) {
	return m.createSessionFunc(ctx, userID, tier, preferences)
}

func (m *mockCoordinator) RetrySession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	return m.retrySessionFunc(ctx, sessionID)
}

func (m *mockCoordinator) PostUserMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) (*domain.Message, uint64, error) {
	return m.postUserMessageFunc(ctx, sessionID, userID, content)
}

func (m *mockCoordinator) IngestAgentEvent(ctx context.Context, sessionID uuid.UUID, ev session.AgentEvent) error {
	return m.ingestAgentEventFunc(ctx, sessionID, ev)
}

func (m *mockCoordinator) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	return m.endSessionFunc(ctx, sessionID)
}
