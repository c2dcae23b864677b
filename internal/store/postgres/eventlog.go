package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/parley/internal/domain"
)

// EventLogRepo persists the append-only per-session event log. Seq assignment
// happens inside the INSERT; the coordinator's single-writer discipline means
// the max+1 subquery cannot race with itself for a given session.
type EventLogRepo struct {
	pool *pgxpool.Pool
}

func NewEventLogRepo(pool *pgxpool.Pool) *EventLogRepo {
	return &EventLogRepo{pool: pool}
}

func (r *EventLogRepo) Append(ctx context.Context, entry *domain.LogEntry) (uint64, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("eventLogRepo.Append: marshal: %w", err)
	}

	var seq uint64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO session_events (session_id, seq, kind, payload, created_at)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1), $2, $3, $4)
		 RETURNING seq`,
		entry.SessionID, entry.Kind, payload, entry.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventLogRepo.Append: %w: %w", domain.ErrPersistence, err)
	}

	entry.Seq = seq

	return seq, nil
}

func (r *EventLogRepo) ReadFrom(ctx context.Context, sessionID uuid.UUID, afterSeq uint64) ([]*domain.LogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seq, payload FROM session_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC`,
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("eventLogRepo.ReadFrom: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LogEntry
	for rows.Next() {
		var (
			seq     uint64
			payload []byte
		)

		err = rows.Scan(&seq, &payload)
		if err != nil {
			return nil, fmt.Errorf("eventLogRepo.ReadFrom: scan: %w", err)
		}

		var entry domain.LogEntry
		if err = json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("eventLogRepo.ReadFrom: unmarshal seq %d: %w", seq, err)
		}
		entry.Seq = seq

		entries = append(entries, &entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("eventLogRepo.ReadFrom: rows: %w", err)
	}

	return entries, nil
}
