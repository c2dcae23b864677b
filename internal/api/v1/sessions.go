package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/session"
)

type CreateSessionInput struct {
	Body struct {
		UserID      uuid.UUID      `json:"user_id" doc:"Owning user ID"`
		Tier        string         `json:"tier" minLength:"1" doc:"Subscription tier (free, pro, elite)"`
		Preferences map[string]any `json:"preferences,omitempty" doc:"Session preferences forwarded to the agent"`
	}
}

type CreateSessionOutput struct {
	Body *domain.Session
}

type GetSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body *domain.Session
}

type GetTranscriptInput struct {
	ID       uuid.UUID `path:"id" doc:"Session ID"`
	AfterSeq uint64    `query:"after_seq" doc:"Return only entries with seq greater than this value"`
}

type GetTranscriptOutput struct {
	Body []*domain.LogEntry
}

type RetrySessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type RetrySessionOutput struct {
	Body *domain.Session
}

type EndSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

func RegisterSessionRoutes(api huma.API, store DataStore, coord Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Create a new agent session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		tier := domain.Tier(input.Body.Tier)
		if !domain.ValidTier(tier) {
			return nil, huma.Error400BadRequest("unknown tier: " + input.Body.Tier)
		}
		if input.Body.UserID == uuid.Nil {
			return nil, huma.Error400BadRequest("user_id is required")
		}

		s, err := coord.CreateSession(ctx, input.Body.UserID, tier, input.Body.Preferences)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidPreferences):
				return nil, huma.Error400BadRequest("invalid preferences")
			case errors.Is(err, domain.ErrAgentUnavailable):
				return nil, huma.Error502BadGateway("agent worker unavailable", err)
			default:
				return nil, huma.Error500InternalServerError("failed to create session", err)
			}
		}

		return &CreateSessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session by ID",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		s, err := store.Sessions().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownSession) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		return &GetSessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-transcript",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/transcript",
		Summary:     "Read the ordered event log of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetTranscriptInput) (*GetTranscriptOutput, error) {
		if _, err := store.Sessions().GetByID(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrUnknownSession) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		entries, err := store.EventLog().ReadFrom(ctx, input.ID, input.AfterSeq)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read transcript", err)
		}
		if entries == nil {
			entries = []*domain.LogEntry{}
		}

		return &GetTranscriptOutput{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/retry",
		Summary:     "Retry a session stuck in the error state",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *RetrySessionInput) (*RetrySessionOutput, error) {
		s, err := coord.RetrySession(ctx, input.ID)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrUnknownSession):
				return nil, huma.Error404NotFound("session not found")
			case errors.Is(err, domain.ErrAgentUnavailable):
				return nil, huma.Error502BadGateway("agent worker unavailable", err)
			case errors.Is(err, session.ErrInvalidSessionState):
				return nil, huma.Error409Conflict("session is not in the error state")
			default:
				return nil, huma.Error500InternalServerError("failed to retry session", err)
			}
		}

		return &RetrySessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "End a session and mark it deleted",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *EndSessionInput) (*struct{}, error) {
		if err := coord.EndSession(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrUnknownSession) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to end session", err)
		}

		return nil, nil
	})
}
