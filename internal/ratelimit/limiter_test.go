package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to a local Redis (DB 15) or skips the test.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	rdb := newTestClient(t)
	rule := Rule{Key: "rl:test:" + uuid.NewString() + ":", Limit: 3, Window: 5 * time.Second}
	l := NewLimiter(rdb, rule, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "action %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "limits are per identifier")

	ttl, err := rdb.TTL(ctx, rule.Key+"alice").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestLimiter_Remaining(t *testing.T) {
	rdb := newTestClient(t)
	rule := Rule{Key: "rl:test:" + uuid.NewString() + ":", Limit: 2, Window: 5 * time.Second}
	l := NewLimiter(rdb, rule, zerolog.Nop())
	ctx := context.Background()

	n, err := l.Remaining(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 4; i++ {
		_, err := l.Allow(ctx, "carol")
		require.NoError(t, err)
	}

	n, err = l.Remaining(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLimiter_FailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	l := NewLimiter(rdb, RuleSend, zerolog.Nop())

	ok, err := l.Allow(context.Background(), "dave")
	assert.Error(t, err)
	assert.True(t, ok)
}
