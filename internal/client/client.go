// Package client provides a reconnecting consumer for session event streams.
// It rides out connection drops with exponential backoff and resumes from the
// last delivered seq, so callers observe each log entry exactly once and in
// order across reconnects.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/api/stream"
)

// State is the connection lifecycle of a ReconnectingClient.
type State string

const (
	StateDisconnected State = "disconnected"
	StateBackoff      State = "backoff"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrStreamEnded is returned by Run when the server sent an end frame,
// meaning the session completed and no reconnect is warranted.
var ErrStreamEnded = errors.New("client: stream ended")

// ReconnectingClient consumes one session's SSE stream and delivers frames
// to Frames() in log order. Heartbeats are consumed internally; everything
// else is forwarded.
type ReconnectingClient struct {
	baseURL    string
	sessionID  uuid.UUID
	httpClient *http.Client
	policy     *RetryPolicy

	mu       sync.Mutex
	state    State
	lastSeen uint64

	frames chan stream.Frame
}

// Option configures a ReconnectingClient.
type Option func(*ReconnectingClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ReconnectingClient) { c.httpClient = hc }
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *ReconnectingClient) { c.policy = p }
}

// WithLastSeen sets the replay cutoff for the first connection, for callers
// resuming from a stored transcript position.
func WithLastSeen(seq uint64) Option {
	return func(c *ReconnectingClient) { c.lastSeen = seq }
}

func New(baseURL string, sessionID uuid.UUID, opts ...Option) *ReconnectingClient {
	c := &ReconnectingClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		// No global timeout: the stream is long-lived.
		httpClient: &http.Client{},
		policy:     DefaultRetryPolicy(),
		state:      StateDisconnected,
		frames:     make(chan stream.Frame, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Frames returns the delivery channel. It is closed when Run returns.
func (c *ReconnectingClient) Frames() <-chan stream.Frame {
	return c.frames
}

// State returns the current connection state.
func (c *ReconnectingClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeen returns the highest log seq delivered so far.
func (c *ReconnectingClient) LastSeen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *ReconnectingClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and consumes the stream until the session ends or ctx is
// cancelled. Connection drops trigger reconnects with exponential backoff;
// a successful connection resets the backoff. Returns nil on a clean end
// frame, ctx.Err() on cancellation.
func (c *ReconnectingClient) Run(ctx context.Context) error {
	defer close(c.frames)
	defer c.setState(StateDisconnected)

	attempt := 0
	for {
		c.setState(StateConnecting)
		err := c.consume(ctx)
		switch {
		case errors.Is(err, ErrStreamEnded):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		attempt++
		delay := c.policy.NextDelay(attempt)
		log.Warn().Err(err).
			Str("session_id", c.sessionID.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("client: stream dropped, reconnecting")

		c.setState(StateBackoff)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume opens one SSE connection and pumps frames until it breaks.
// Returns ErrStreamEnded on an end frame.
func (c *ReconnectingClient) consume(ctx context.Context) error {
	resp, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.setState(StateConnected)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			frame, err := stream.Decode(data)
			data = nil
			if err != nil {
				return fmt.Errorf("client.ReconnectingClient.consume: %w", err)
			}
			if done := c.deliver(ctx, frame); done != nil {
				return done
			}
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		default:
			// id: and event: lines duplicate what the data payload carries.
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("client.ReconnectingClient.consume: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// deliver forwards one frame, applying the seq dedup rule. A non-nil return
// stops the connection loop.
func (c *ReconnectingClient) deliver(ctx context.Context, frame stream.Frame) error {
	switch frame.Type {
	case stream.FrameHeartbeat:
		return nil
	case stream.FrameEnd:
		return ErrStreamEnded
	}

	if frame.Seq > 0 {
		c.mu.Lock()
		if frame.Seq <= c.lastSeen {
			c.mu.Unlock()
			return nil
		}
		c.lastSeen = frame.Seq
		c.mu.Unlock()
	}

	select {
	case c.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ReconnectingClient) connect(ctx context.Context) (*http.Response, error) {
	q := url.Values{}
	q.Set("session_id", c.sessionID.String())
	if seq := c.LastSeen(); seq > 0 {
		q.Set("last_seen_seq", strconv.FormatUint(seq, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("client.ReconnectingClient.connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client.ReconnectingClient.connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("client.ReconnectingClient.connect: unexpected status %d", resp.StatusCode)
	}

	return resp, nil
}
