// Package ratelimit provides Redis-backed fixed window rate limiting. Each
// identifier gets a counter key that is incremented per action and expires at
// the end of its window. The chat core throttles sends per sender with it and
// the gateway throttles connection attempts per remote address.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 20 messages per 10 seconds per sender.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter applies one Rule against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	log    zerolog.Logger
}

// NewLimiter creates a Limiter enforcing rule.
func NewLimiter(client *redis.Client, rule Rule, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, rule: rule, log: log}
}

// Rule returns the policy enforced by l.
func (l *Limiter) Rule() Rule { return l.rule }

// Allow counts one action for identifier and reports whether it is within the
// limit. INCR and EXPIRE NX run in one transaction, so the window starts with
// the first action and a key can never be left without a TTL.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not block legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.rule.Window)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return true, err
	}

	return int(incr.Val()) <= l.rule.Limit, nil
}

// Remaining returns the number of actions identifier has left in the current
// window. Returns the full limit if the window has not started. On Redis
// errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return l.rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit lookup failed, failing open")
		return l.rule.Limit, err
	}

	return max(l.rule.Limit-count, 0), nil
}
