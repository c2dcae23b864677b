package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/parley/internal/api/stream"
	v1 "github.com/gosuda/parley/internal/api/v1"
	"github.com/gosuda/parley/internal/session"
)

func registerAPIRoutes(api huma.API, store v1.DataStore, coord *session.Coordinator) {
	v1.RegisterSessionRoutes(api, store, coord)
	v1.RegisterMessageRoutes(api, coord)
}

func registerWorkerRoutes(api huma.API, coord *session.Coordinator) {
	v1.RegisterWorkerRoutes(api, coord)
}

func registerWSRoutes(r chi.Router, gateway *stream.Gateway) {
	r.Get("/sessions/{sessionID}", gateway.ServeWS)
}
