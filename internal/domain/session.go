package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusError      SessionStatus = "error"
)

// Terminal reports whether the status permits no further log appends.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted
}

type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

// ValidTier reports whether t is a known subscription tier. The tier is
// carried opaque through the streaming core; only its spelling is checked.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierElite:
		return true
	default:
		return false
	}
}

// Session is one logical conversation between a user and the agent worker.
// Rows are never physically deleted; EndedAt marks a logical delete so the
// attempt stays auditable.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	Tier           Tier           `json:"tier"`
	Status         SessionStatus  `json:"status"`
	Error          string         `json:"error,omitempty"`
	Preferences    map[string]any `json:"preferences,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status SessionStatus, errDetail string) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListIdleActive returns active sessions whose last activity is before cutoff.
	ListIdleActive(ctx context.Context, cutoff time.Time) ([]*Session, error)
}
