package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, tier, status, error, preferences, created_at, last_activity_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.UserID, s.Tier, s.Status, s.Error, s.Preferences, s.CreatedAt, s.LastActivityAt, s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}

	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, tier, status, error, preferences, created_at, last_activity_at, ended_at
		 FROM sessions WHERE id = $1`,
		id,
	)

	var s domain.Session

	err := row.Scan(&s.ID, &s.UserID, &s.Tier, &s.Status, &s.Error, &s.Preferences, &s.CreatedAt, &s.LastActivityAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownSession
		}
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}

	return &s, nil
}

func (r *SessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, errDetail string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, error = $3 WHERE id = $1`,
		id, status, errDetail,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownSession
	}

	return nil
}

func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownSession
	}

	return nil
}

func (r *SessionRepo) MarkEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.MarkEnded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already ended; distinguish for the caller.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
	}

	return nil
}

func (r *SessionRepo) ListIdleActive(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, tier, status, error, preferences, created_at, last_activity_at, ended_at
		 FROM sessions
		 WHERE status = $1 AND last_activity_at < $2
		 ORDER BY last_activity_at ASC`,
		domain.SessionStatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListIdleActive: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var s domain.Session

		err = rows.Scan(&s.ID, &s.UserID, &s.Tier, &s.Status, &s.Error, &s.Preferences, &s.CreatedAt, &s.LastActivityAt, &s.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("sessionRepo.ListIdleActive: scan: %w", err)
		}
		sessions = append(sessions, &s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.ListIdleActive: rows: %w", err)
	}

	return sessions, nil
}
