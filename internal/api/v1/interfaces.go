package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/session"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store and *memory.Store satisfy this interface.
type DataStore interface {
	Sessions() domain.SessionRepository
	EventLog() domain.EventLogRepository
}

// Coordinator abstracts session lifecycle operations for handler testing.
// *session.Coordinator satisfies this interface.
type Coordinator interface {
	CreateSession(ctx context.Context, userID uuid.UUID, tier domain.Tier, preferences map[string]any) (*domain.Session, error)
	RetrySession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	PostUserMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) (*domain.Message, uint64, error)
	IngestAgentEvent(ctx context.Context, sessionID uuid.UUID, ev session.AgentEvent) error
	EndSession(ctx context.Context, sessionID uuid.UUID) error
}
