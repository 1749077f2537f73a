package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "spamcheck.events"

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
// Every event is also published on "<channel>.<tenant id>" so consumers can
// subscribe to a single tenant.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel when empty).
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the global channel name.
func (p *RedisPublisher) Channel() string { return p.channel }

// TenantChannel returns the channel carrying only tenantID's events.
func (p *RedisPublisher) TenantChannel(tenantID string) string {
	return p.channel + "." + tenantID
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.channel, payload)
	if e.TenantID != "" {
		pipe.Publish(ctx, p.TenantChannel(e.TenantID), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}
