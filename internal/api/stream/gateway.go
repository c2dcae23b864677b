// Package stream exposes the live view of a session as a continuous push
// stream: replay of the durable log past the client's cutoff, then live bus
// events, merged by seq so no entry is delivered twice or skipped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/bus"
	"github.com/gosuda/parley/internal/domain"
)

const defaultHeartbeat = 15 * time.Second

// errSubscriberDropped signals that the bus closed our subscription, usually
// because this connection fell behind. The client recovers by reconnecting.
var errSubscriberDropped = errors.New("stream: bus subscription dropped")

// sink delivers frames to one client over a concrete transport (SSE, WebSocket).
type sink interface {
	Send(ctx context.Context, f Frame) error
}

// Gateway serves per-session push streams.
type Gateway struct {
	sessions  domain.SessionRepository
	eventLog  domain.EventLogRepository
	bus       bus.Bus
	heartbeat time.Duration
}

func NewGateway(sessions domain.SessionRepository, eventLog domain.EventLogRepository, b bus.Bus, heartbeat time.Duration) *Gateway {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Gateway{
		sessions:  sessions,
		eventLog:  eventLog,
		bus:       b,
		heartbeat: heartbeat,
	}
}

// run drives one stream connection: subscribe, replay, then merge live events.
//
// The subscription is taken before the replay cutoff is read so no event can
// fall between replay and live delivery; events that arrive on the
// subscription while replay runs sit in its queue and are deduplicated by seq.
func (g *Gateway) run(ctx context.Context, sessionID uuid.UUID, lastSeen uint64, snk sink) error {
	sub, err := g.bus.Subscribe(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("stream.Gateway.run: subscribe: %w", err)
	}
	defer sub.Close()

	// Session lookup after subscribing: a completion published before this
	// point is visible in the row (status precedes the terminal frame).
	session, err := g.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("stream.Gateway.run: %w", err)
	}

	entries, err := g.eventLog.ReadFrom(ctx, sessionID, lastSeen)
	if err != nil {
		return fmt.Errorf("stream.Gateway.run: replay: %w", err)
	}

	maxSeq := lastSeen
	for _, entry := range entries {
		if err = snk.Send(ctx, EntryFrame(entry)); err != nil {
			return fmt.Errorf("stream.Gateway.run: replay send: %w", err)
		}
		maxSeq = entry.Seq
	}

	if session.Status.Terminal() {
		if err = snk.Send(ctx, EndFrame()); err != nil {
			return fmt.Errorf("stream.Gateway.run: end send: %w", err)
		}
		return nil
	}

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err = snk.Send(ctx, HeartbeatFrame()); err != nil {
				return fmt.Errorf("stream.Gateway.run: heartbeat send: %w", err)
			}

		case evt, ok := <-sub.C:
			if !ok {
				return errSubscriberDropped
			}

			frame, decErr := Decode(evt.Payload)
			if decErr != nil {
				log.Warn().Err(decErr).Str("session_id", sessionID.String()).Msg("stream: dropping undecodable frame")
				continue
			}

			// Merge rule: log-backed frames already delivered by replay
			// (or by an earlier live event) are skipped.
			if evt.Seq > 0 {
				if evt.Seq <= maxSeq {
					continue
				}
				maxSeq = evt.Seq
			}

			if err = snk.Send(ctx, frame); err != nil {
				return fmt.Errorf("stream.Gateway.run: live send: %w", err)
			}

			if frame.Type == FrameEnd {
				return nil
			}
		}
	}
}

// ServeSSE handles GET /stream?session_id=...&last_seen_seq=N as a
// Server-Sent Events response. The SSE id field carries the entry seq, so
// a standard EventSource resume via Last-Event-ID also works.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	lastSeen, err := parseLastSeen(r)
	if err != nil {
		http.Error(w, "invalid last_seen_seq", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Existence check before committing to the event-stream content type so
	// unknown sessions get a proper 404.
	if _, err = g.sessions.GetByID(r.Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrUnknownSession) {
			http.Error(w, "unknown session", http.StatusNotFound)
		} else {
			http.Error(w, "session lookup failed", http.StatusInternalServerError)
		}
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	snk := &sseSink{w: w, flusher: flusher}

	if err = g.run(r.Context(), sessionID, lastSeen, snk); err != nil {
		// Transport errors are expected on client disconnect; the client
		// reconnects and recovers by replay.
		log.Debug().Err(err).Str("session_id", sessionID.String()).Msg("stream: sse connection ended")
	}
}

// parseLastSeen reads the replay cutoff from the query string, falling back
// to the SSE Last-Event-ID header on EventSource-driven reconnects.
func parseLastSeen(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("last_seen_seq")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(_ context.Context, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	if f.Seq > 0 {
		if _, err = fmt.Fprintf(s.w, "id: %d\n", f.Seq); err != nil {
			return fmt.Errorf("stream.sseSink.Send: %w", err)
		}
	}
	if _, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return fmt.Errorf("stream.sseSink.Send: %w", err)
	}

	s.flusher.Flush()
	return nil
}
