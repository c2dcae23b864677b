package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/session"
)

type WorkerEventInput struct {
	Body struct {
		SessionID uuid.UUID            `json:"session_id" doc:"Target session ID"`
		Events    []session.AgentEvent `json:"events" minItems:"1" doc:"Ordered batch of agent events"`
	}
}

// RegisterWorkerRoutes wires the agent worker callback. The worker fires and
// forgets; ingestion failures are logged, never surfaced, so a batch is
// always acknowledged with 202.
func RegisterWorkerRoutes(api huma.API, coord Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-worker-events",
		Method:        http.MethodPost,
		Path:          "/worker/events",
		Summary:       "Ingest a batch of agent events from the worker",
		Tags:          []string{"Worker"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *WorkerEventInput) (*struct{}, error) {
		for _, ev := range input.Body.Events {
			if err := coord.IngestAgentEvent(ctx, input.Body.SessionID, ev); err != nil {
				log.Error().Err(err).
					Str("session_id", input.Body.SessionID.String()).
					Str("kind", string(ev.Kind)).
					Msg("failed to ingest agent event")
			}
		}

		return nil, nil
	})
}
