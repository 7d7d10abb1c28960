package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventflow/internal/application/appcore"
)

const defaultRedisChannel = "eventflow:commits"

// RedisNotifier publishes commits over Redis Pub/Sub.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// RedisOption configures a RedisNotifier.
type RedisOption func(*RedisNotifier)

// WithRedisChannel sets the Pub/Sub channel name.
func WithRedisChannel(channel string) RedisOption {
	return func(n *RedisNotifier) {
		if channel != "" {
			n.channel = channel
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(n *RedisNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewRedisNotifier creates a notifier on client.
func NewRedisNotifier(client redis.UniversalClient, opts ...RedisOption) *RedisNotifier {
	n := &RedisNotifier{
		client:  client,
		channel: defaultRedisChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish announces c on the channel.
func (n *RedisNotifier) Publish(ctx context.Context, c appcore.Commit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal commit: %w", err)
	}
	if err = n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish commit to Redis: %w", err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan appcore.Commit, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	out := make(chan appcore.Commit, subscriberBuffer)
	msgCh := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					n.logger.WarnContext(ctx, "commit channel closed", slog.String("channel", n.channel))
					return
				}
				var c appcore.Commit
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					n.logger.WarnContext(ctx, "failed to unmarshal commit",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				offer(out, c)
			}
		}
	}()
	return out, nil
}
