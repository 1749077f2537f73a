package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// CredentialGate blocks launches of a tenant on a platform after an
// authentication failure. Gates are cleared externally once the tenant
// fixed its credentials.
type CredentialGate interface {
	Blocked(ctx context.Context, tenantID string, platform domain.Platform) (bool, error)
	Block(ctx context.Context, tenantID string, platform domain.Platform, reason string) error
	Clear(ctx context.Context, tenantID string, platform domain.Platform) error
}

// MemoryGate is an in-process CredentialGate.
type MemoryGate struct {
	mu      sync.Mutex
	blocked map[string]string
}

// NewMemoryGate returns an empty gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{blocked: make(map[string]string)}
}

func gateKey(tenantID string, platform domain.Platform) string {
	return fmt.Sprintf("spamcheck:gate:%s:%s", tenantID, platform)
}

func (g *MemoryGate) Blocked(_ context.Context, tenantID string, platform domain.Platform) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[gateKey(tenantID, platform)]
	return ok, nil
}

func (g *MemoryGate) Block(_ context.Context, tenantID string, platform domain.Platform, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[gateKey(tenantID, platform)] = reason
	return nil
}

func (g *MemoryGate) Clear(_ context.Context, tenantID string, platform domain.Platform) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, gateKey(tenantID, platform))
	return nil
}

// RedisGate stores gates as Redis keys so every scheduler instance sees them.
type RedisGate struct {
	client redis.UniversalClient
}

// NewRedisGate creates a gate on client.
func NewRedisGate(client redis.UniversalClient) *RedisGate {
	return &RedisGate{client: client}
}

func (g *RedisGate) Blocked(ctx context.Context, tenantID string, platform domain.Platform) (bool, error) {
	n, err := g.client.Exists(ctx, gateKey(tenantID, platform)).Result()
	if err != nil {
		return false, fmt.Errorf("redis gate lookup: %w", err)
	}
	return n > 0, nil
}

func (g *RedisGate) Block(ctx context.Context, tenantID string, platform domain.Platform, reason string) error {
	if err := g.client.Set(ctx, gateKey(tenantID, platform), reason, 0).Err(); err != nil {
		return fmt.Errorf("redis gate block: %w", err)
	}
	return nil
}

func (g *RedisGate) Clear(ctx context.Context, tenantID string, platform domain.Platform) error {
	err := g.client.Del(ctx, gateKey(tenantID, platform)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis gate clear: %w", err)
	}
	return nil
}
