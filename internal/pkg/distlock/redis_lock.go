package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ownerScript runs a command on KEYS[1] only while it still holds the
// caller's token. ARGV[1] is the token, ARGV[2] is "del" or a TTL in ms.
var ownerScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	if ARGV[2] == "del" then
		return redis.call("del", KEYS[1])
	end
	return redis.call("pexpire", KEYS[1], ARGV[2])
`)

// RedisLock is a SET NX lock with a TTL. Each instance owns a unique token,
// so an instance whose lease expired cannot free or extend a lock that
// another scheduler process has since taken.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock creates a lock on "lock:<key>".
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Key returns the Redis key of the lock.
func (l *RedisLock) Key() string { return l.key }

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release is a no-op when the lease already moved to another owner.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := ownerScript.Run(ctx, l.client, []string{l.key}, l.token, "del").Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Extend renews the lease of a sweep that outlives the lock TTL.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := ownerScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s is no longer held", l.key)
	}
	return nil
}
