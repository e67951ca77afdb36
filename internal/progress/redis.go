package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// RedisConfig carries connection settings for the progress channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// RedisBroadcaster relays events over Redis pub/sub so the worker process can
// reach clients connected to the API process. Events published while no
// subscriber is attached are lost, which is acceptable for progress hints.
type RedisBroadcaster struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster builds a broadcaster on the given Redis instance. The
// connection is established lazily on first use.
func NewRedisBroadcaster(cfg RedisConfig) *RedisBroadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger,
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("dropping progress event", "error", err, "media_id", event.MediaID)
		return nil
	}
	if err := b.client.Publish(ctx, Channel, payload).Err(); err != nil {
		b.logger.Warn("progress publish failed", "error", err, "media_id", event.MediaID)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("progress channel already subscribed")
	}
	pubsub := b.client.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = pubsub
	b.cancel = cancel

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case message, ok := <-ch:
				if !ok {
					return
				}
				var event models.ProgressEvent
				if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
					b.logger.Warn("discarding malformed progress event", "error", err)
					continue
				}
				handler(event)
			}
		}
	}()
	return nil
}

func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.pubsub != nil {
		b.pubsub.Close()
		b.pubsub = nil
	}
	return b.client.Close()
}
