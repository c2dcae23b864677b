// Package memory provides in-memory SessionRepository and EventLogRepository
// implementations for single-process deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
)

type Store struct {
	sessions *SessionRepo
	events   *EventLogRepo
}

func New() *Store {
	return &Store{
		sessions: NewSessionRepo(),
		events:   NewEventLogRepo(),
	}
}

func (s *Store) Sessions() domain.SessionRepository  { return s.sessions }
func (s *Store) EventLog() domain.EventLogRepository { return s.events }

type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (r *SessionRepo) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.sessions[s.ID] = &cp

	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrUnknownSession
	}

	cp := *s
	return &cp, nil
}

func (r *SessionRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.SessionStatus, errDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrUnknownSession
	}
	s.Status = status
	s.Error = errDetail

	return nil
}

func (r *SessionRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrUnknownSession
	}
	s.LastActivityAt = at

	return nil
}

func (r *SessionRepo) MarkEnded(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrUnknownSession
	}
	if s.EndedAt == nil {
		ended := at
		s.EndedAt = &ended
	}

	return nil
}

func (r *SessionRepo) ListIdleActive(_ context.Context, cutoff time.Time) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*domain.Session
	for _, s := range r.sessions {
		if s.Status == domain.SessionStatusActive && s.LastActivityAt.Before(cutoff) {
			cp := *s
			idle = append(idle, &cp)
		}
	}

	return idle, nil
}

// EventLogRepo keeps per-session ordered entry slices. Seq is slot position
// plus one, so appends are monotonic and gap-free by construction.
type EventLogRepo struct {
	mu      sync.RWMutex
	entries map[uuid.UUID][]*domain.LogEntry
}

func NewEventLogRepo() *EventLogRepo {
	return &EventLogRepo{entries: make(map[uuid.UUID][]*domain.LogEntry)}
}

func (r *EventLogRepo) Append(_ context.Context, entry *domain.LogEntry) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := uint64(len(r.entries[entry.SessionID])) + 1
	entry.Seq = seq

	cp := *entry
	r.entries[entry.SessionID] = append(r.entries[entry.SessionID], &cp)

	return seq, nil
}

func (r *EventLogRepo) ReadFrom(_ context.Context, sessionID uuid.UUID, afterSeq uint64) ([]*domain.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.entries[sessionID]
	if afterSeq >= uint64(len(all)) {
		return nil, nil
	}

	out := make([]*domain.LogEntry, 0, uint64(len(all))-afterSeq)
	for _, e := range all[afterSeq:] {
		cp := *e
		out = append(out, &cp)
	}

	return out, nil
}

var (
	_ domain.SessionRepository  = (*SessionRepo)(nil)
	_ domain.EventLogRepository = (*EventLogRepo)(nil)
)
