// Package distlock provides non-blocking per-key locks used to keep a single
// writer per spamcheck across scheduler sweeps and processes.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Factory creates locks for keys. Every call returns a fresh lock instance.
type Factory interface {
	NewLock(key string) DistLock
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(key string) DistLock

func (f FactoryFunc) NewLock(key string) DistLock { return f(key) }

// NewFactory picks the best available backend.
// Redis is preferred for cross-host locking, then PostgreSQL advisory
// locks, then an in-process lock table.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	switch {
	case redisClient != nil:
		return FactoryFunc(func(key string) DistLock { return NewRedisLock(redisClient, key, ttl) })
	case db != nil:
		return FactoryFunc(func(key string) DistLock { return NewPGAdvisoryLock(db, key) })
	}
	return NewMemoryLocker()
}

// =============================================================================
// PostgreSQL Advisory Lock
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock pins one pooled
// connection from Acquire until Release. The lock is released by the server
// if that connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d already acquired by this instance", l.lockID)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns its connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// =============================================================================
// In-process lock table
// =============================================================================

// MemoryLocker is a Factory whose locks are only exclusive inside one
// process. Used for single-node deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates an empty lock table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

// NewLock returns a lock on key.
func (m *MemoryLocker) NewLock(key string) DistLock {
	return &memoryLock{table: m, key: key}
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}

type memoryLock struct {
	table *MemoryLocker
	key   string
	owned bool
}

func (l *memoryLock) Acquire(_ context.Context) (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.table.held[l.key] {
		return false, nil
	}
	l.table.held[l.key] = true
	l.owned = true
	return true, nil
}

func (l *memoryLock) Release(_ context.Context) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.owned {
		delete(l.table.held, l.key)
		l.owned = false
	}
	return nil
}
