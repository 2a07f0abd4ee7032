package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
)

// channelPrefix is prepended to the home ID to form the PUBLISH channel.
const channelPrefix = "home_"

// defaultPublishTimeout bounds one PUBLISH so a slow Redis never stalls ingestion.
const defaultPublishTimeout = 2 * time.Second

// Client is the go-redis client type.
type Client = redis.Client

// NewClient creates a Redis client from configuration. It does not connect
// until first use.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Channel returns the PUBLISH channel carrying change records for a home.
func Channel(homeID string) string {
	return channelPrefix + homeID
}

// Publisher hands change records to the realtime fan-out by publishing
// them as JSON on the home's Redis channel. It implements events.Sink.
type Publisher struct {
	client  *redis.Client
	timeout time.Duration
}

// NewPublisher wraps a connected client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, timeout: defaultPublishTimeout}
}

// PublishRecord publishes rec on Channel(homeID).
func (p *Publisher) PublishRecord(ctx context.Context, homeID string, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding change record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, Channel(homeID), data).Err(); err != nil {
		return fmt.Errorf("publishing change record to %s: %w", Channel(homeID), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
