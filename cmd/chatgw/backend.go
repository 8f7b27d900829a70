package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/config"
	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/docstore/pgdoc"
	"github.com/tourchat/chat-core/internal/docstore/redisdoc"
	"github.com/tourchat/chat-core/internal/docstore/sqlitedoc"
	"github.com/tourchat/chat-core/internal/messaging"
)

const connectTimeout = 5 * time.Second

// backend owns the store and the clients behind it.
type backend struct {
	Store docstore.Store

	log     zerolog.Logger
	redis   *redis.Client
	closers []func()
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	b := &backend{log: log}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.Store = docstore.NewMemory()
		log.Warn().Msg("memory store: data is lost on exit and not shared between processes")

	case config.BackendSQLite:
		s, err := sqlitedoc.Open(cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		b.Store = s
		b.onClose(func() { _ = s.Close() })

	case config.BackendRedis:
		rdb, err := b.redisClient(ctx, cfg.Store.RedisAddr)
		if err != nil {
			return nil, err
		}
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.Store.NATSURL
		nc, err := messaging.NewNATSClient(natsCfg, log.With().Str("component", "nats").Logger())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.onClose(nc.Close)
		b.Store = redisdoc.New(rdb, nc, log)

	case config.BackendPostgres:
		s, err := pgdoc.Open(ctx, cfg.Store.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		b.Store = s
		b.onClose(func() { _ = s.Close() })

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return b, nil
}

func (b *backend) onClose(fn func()) { b.closers = append(b.closers, fn) }

func (b *backend) redisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	b.redis = rdb
	b.onClose(func() { _ = rdb.Close() })
	return rdb, nil
}

// LimitClient returns the Redis client used for rate limiting, or nil when
// throttling is disabled or Redis cannot be reached.
func (b *backend) LimitClient(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RateLimit.Limit == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	rdb, err := b.redisClient(ctx, cfg.Store.RedisAddr)
	if err != nil {
		b.log.Warn().Err(err).Msg("rate limiting disabled")
		return nil
	}
	return rdb
}

// Close releases the clients in reverse order of creation.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
