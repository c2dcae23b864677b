package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
)

// ServeWS handles GET /ws/sessions/{sessionID}?last_seen_seq=N, pushing the
// same frames as the SSE endpoint as WebSocket text messages.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	lastSeen, err := parseLastSeen(r)
	if err != nil {
		http.Error(w, "invalid last_seen_seq", http.StatusBadRequest)
		return
	}

	if _, err = g.sessions.GetByID(r.Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrUnknownSession) {
			http.Error(w, "unknown session", http.StatusNotFound)
		} else {
			http.Error(w, "session lookup failed", http.StatusInternalServerError)
		}
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	snk := &wsSink{conn: conn}

	if err = g.run(r.Context(), sessionID, lastSeen, snk); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID.String()).Msg("stream: ws connection ended")
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	if err = s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream.wsSink.Send: %w", err)
	}
	return nil
}
