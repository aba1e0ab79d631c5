package linking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dbresolve/internal/redis"
)

// Limiter counts failed code verifications per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
	Fail(ctx context.Context, userID string) error
	Reset(ctx context.Context, userID string) error
}

// CounterStore is the subset of the redis client the limiter needs.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

const attemptKeyPrefix = "link:verify:failures:"

// RedisLimiter keeps failure counters in redis so every instance of the
// service shares them.
type RedisLimiter struct {
	store  CounterStore
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit failures per user within window.
func NewRedisLimiter(store CounterStore, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{store: store, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	raw, err := l.store.Get(ctx, attemptKeyPrefix+userID)
	if errors.Is(err, redis.ErrCacheMiss) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read attempt counter: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("parse attempt counter %q: %w", raw, err)
	}
	return count < l.limit, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, userID string) error {
	if _, err := l.store.Incr(ctx, attemptKeyPrefix+userID, l.window); err != nil {
		return fmt.Errorf("increment attempt counter: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.store.Del(ctx, attemptKeyPrefix+userID); err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}

type attemptWindow struct {
	count   int
	expires time.Time
}

// MemoryLimiter is the single-instance fallback used when no redis is
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]attemptWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewMemoryLimiter allows limit failures per user within window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]attemptWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.activeLocked(userID)
	return !ok || entry.count < l.limit, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.activeLocked(userID)
	if !ok {
		entry = attemptWindow{expires: l.now().Add(l.window)}
	}
	entry.count++
	l.entries[userID] = entry
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, userID string) error {
	l.mu.Lock()
	delete(l.entries, userID)
	l.mu.Unlock()
	return nil
}

// activeLocked returns the unexpired window for userID, dropping stale ones.
func (l *MemoryLimiter) activeLocked(userID string) (attemptWindow, bool) {
	entry, ok := l.entries[userID]
	if !ok {
		return attemptWindow{}, false
	}
	if !l.now().Before(entry.expires) {
		delete(l.entries, userID)
		return attemptWindow{}, false
	}
	return entry, true
}
