package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is the broker-backed Bus implementation for deployments where stream
// connections land on more than one server instance. Delivery order follows
// Redis pub/sub channel order, so the per-subscriber guarantees match Memory.
type Redis struct {
	client    *redis.Client
	queueSize int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db, queueSize int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus.NewRedis: ping: %w", err)
	}

	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Redis{client: client, queueSize: queueSize}, nil
}

func (r *Redis) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus.Redis.Publish: marshal: %w", err)
	}

	if err := r.client.Publish(ctx, SessionChannel(evt.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("bus.Redis.Publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, sessionID uuid.UUID) (*Subscription, error) {
	sub := r.client.Subscribe(ctx, SessionChannel(sessionID))

	// Wait for subscription confirmation so no published event can slip
	// between the caller's replay cutoff and the live feed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus.Redis.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan Event, r.queueSize)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for msg := range redisCh {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("bus: dropping undecodable event")
				continue
			}

			select {
			case out <- evt:
			default:
				// Same overflow policy as the in-process bus: a stalled
				// consumer loses its subscription, not everyone's event.
				log.Warn().
					Str("session_id", sessionID.String()).
					Msg("bus: subscriber queue overflow, dropping subscriber")
				_ = sub.Close()
				return
			}
		}
	}()

	return &Subscription{
		C:      out,
		cancel: func() { _ = sub.Close() },
	}, nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("bus.Redis.Close: %w", err)
	}
	return nil
}

var _ Bus = (*Redis)(nil)
