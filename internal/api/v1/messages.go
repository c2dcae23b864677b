package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/parley/internal/domain"
)

type PostMessageInput struct {
	Body struct {
		SessionID uuid.UUID `json:"session_id" doc:"Target session ID"`
		UserID    uuid.UUID `json:"user_id,omitempty" doc:"Sender user ID (defaults to the session owner)"`
		Content   string    `json:"content" minLength:"1" maxLength:"32768" doc:"Message text"`
	}
}

type PostMessageOutput struct {
	Body struct {
		Message *domain.Message `json:"message"`
		Seq     uint64          `json:"seq" doc:"Sequence assigned by the session event log"`
	}
}

func RegisterMessageRoutes(api huma.API, coord Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "post-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Post a user message into a session",
		Tags:        []string{"Messages"},
	}, func(ctx context.Context, input *PostMessageInput) (*PostMessageOutput, error) {
		msg, seq, err := coord.PostUserMessage(ctx, input.Body.SessionID, input.Body.UserID, input.Body.Content)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrUnknownSession):
				return nil, huma.Error404NotFound("session not found")
			case errors.Is(err, domain.ErrSessionTerminal):
				return nil, huma.Error409Conflict("session has completed")
			case errors.Is(err, domain.ErrPersistence):
				return nil, huma.Error500InternalServerError("failed to persist message", err)
			default:
				return nil, huma.Error500InternalServerError("failed to post message", err)
			}
		}

		out := &PostMessageOutput{}
		out.Body.Message = msg
		out.Body.Seq = seq
		return out, nil
	})
}
