// Package redis provides a Redis pub/sub host for the progress bridge.
// Host processes publish operation progress on a channel and receive
// cancellation requests on another, so the registry and the host only share a
// Redis server.
package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Host publishes and consumes bridge events over Redis pub/sub
type Host struct {
	client *redis.Client
	ctx    context.Context
	prefix string // Channel prefix (e.g., "feedback:")
	logger *logrus.Entry

	mu   sync.Mutex
	subs map[*redis.PubSub]chan struct{}
}

// Config configures the Redis host
type Config struct {
	RedisURL      string // Redis URL (defaults to FEEDBACK_REDIS_URL or redis://localhost:6379/0)
	ChannelPrefix string // Channel prefix (defaults to "feedback:")
	Logger        *logrus.Entry
}

// NewHost creates a new Redis host client
func NewHost(ctx context.Context, config Config) (*Host, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("FEEDBACK_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewHostFromClient(ctx, client, config), nil
}

// NewHostFromClient wraps an existing client. The host closes it on Close.
func NewHostFromClient(ctx context.Context, client *redis.Client, config Config) *Host {
	prefix := config.ChannelPrefix
	if prefix == "" {
		prefix = "feedback:"
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "redis-host")
	}
	return &Host{
		client: client,
		ctx:    ctx,
		prefix: prefix,
		logger: logger,
		subs:   make(map[*redis.PubSub]chan struct{}),
	}
}

// Channel returns the Redis channel used for event
func (h *Host) Channel(event string) string {
	return h.prefix + event
}

// IsAvailable pings the server
func (h *Host) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	return h.client.Ping(ctx).Err() == nil
}

// Subscribe delivers every message published on the event channel to
// handler, one at a time and in publish order. It returns once the
// subscription is confirmed by the server.
func (h *Host) Subscribe(event string, handler func(payload []byte)) (func(), error) {
	channel := h.Channel(event)
	ps := h.client.Subscribe(h.ctx, channel)

	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(h.ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	done := make(chan struct{})
	h.mu.Lock()
	h.subs[ps] = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ps)
			h.mu.Unlock()
			if err := ps.Close(); err != nil {
				h.logger.WithError(err).WithField("event", event).Warn("Failed to close subscription")
			}
			<-done
		})
	}, nil
}

// Emit publishes payload on the event channel
func (h *Host) Emit(event string, payload []byte) error {
	if err := h.client.Publish(h.ctx, h.Channel(event), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// Close ends all subscriptions and closes the Redis connection
func (h *Host) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*redis.PubSub]chan struct{})
	h.mu.Unlock()

	for ps, done := range subs {
		_ = ps.Close()
		<-done
	}
	return h.client.Close()
}
