package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
)

// Worker is the external agent process that performs the actual reasoning and
// tool execution. It receives user input here and calls back asynchronously
// through Coordinator.IngestAgentEvent with whatever it produces.
type Worker interface {
	// StartSession initializes the worker for a new (or retried) session.
	StartSession(ctx context.Context, s *domain.Session) error

	// SendMessage forwards one user message to the worker.
	SendMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) error
}

// HTTPWorker talks to the agent worker over plain HTTP.
type HTTPWorker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPWorker(baseURL string, timeout time.Duration) *HTTPWorker {
	return &HTTPWorker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type workerStartRequest struct {
	SessionID   uuid.UUID      `json:"session_id"`
	UserID      uuid.UUID      `json:"user_id"`
	Tier        domain.Tier    `json:"tier"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

type workerMessageRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Message   string    `json:"message"`
}

func (w *HTTPWorker) StartSession(ctx context.Context, s *domain.Session) error {
	req := workerStartRequest{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Tier:        s.Tier,
		Preferences: s.Preferences,
	}
	if err := w.post(ctx, "/sessions", req); err != nil {
		return fmt.Errorf("session.HTTPWorker.StartSession: %w", err)
	}
	return nil
}

func (w *HTTPWorker) SendMessage(ctx context.Context, sessionID, userID uuid.UUID, content string) error {
	req := workerMessageRequest{
		SessionID: sessionID,
		UserID:    userID,
		Message:   content,
	}
	if err := w.post(ctx, "/messages", req); err != nil {
		return fmt.Errorf("session.HTTPWorker.SendMessage: %w", err)
	}
	return nil
}

func (w *HTTPWorker) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAgentUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: worker returned %d", domain.ErrAgentUnavailable, resp.StatusCode)
	}

	return nil
}

var _ Worker = (*HTTPWorker)(nil)
