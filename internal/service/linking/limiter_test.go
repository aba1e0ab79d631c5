package linking

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbresolve/internal/redis"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewMemoryLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Fail(ctx, "u1"))
	require.NoError(t, limiter.Fail(ctx, "u1"))
	ok, _ = limiter.Allow(ctx, "u1")
	assert.False(t, ok)

	ok, _ = limiter.Allow(ctx, "u2")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = limiter.Allow(ctx, "u1")
	assert.True(t, ok)
}

func TestMemoryLimiterConcurrentFailures(t *testing.T) {
	limiter := NewMemoryLimiter(100, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.Fail(ctx, "u1")
		}()
	}
	wg.Wait()

	limiter.mu.Lock()
	count := limiter.entries["u1"].count
	limiter.mu.Unlock()
	assert.Equal(t, 50, count)
}

type fakeCounters struct {
	values map[string]int64
}

func (f *fakeCounters) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.values[key]++
	return f.values[key], nil
}

func (f *fakeCounters) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return strconv.FormatInt(v, 10), nil
}

func (f *fakeCounters) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}

func TestRedisLimiter(t *testing.T) {
	counters := &fakeCounters{values: map[string]int64{}}
	limiter := NewRedisLimiter(counters, 1, time.Minute)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Fail(ctx, "u1"))
	assert.Equal(t, int64(1), counters.values[attemptKeyPrefix+"u1"])
	ok, err = limiter.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, limiter.Reset(ctx, "u1"))
	ok, err = limiter.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
