package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is a Store shared across server replicas. Errors are logged and
// treated as cache misses so a Redis outage only costs latency.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedis wraps an existing client. prefix namespaces every key, typically
// by tenant.
func NewRedis(rdb goredis.UniversalClient, prefix string, logger zerolog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "cache.redis").Logger(),
	}
}

func (s *Redis) key(k string) string { return s.prefix + k }

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	return b, true
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Invalidate scans for matching keys and deletes them in batches.
func (s *Redis) Invalidate(ctx context.Context, pattern string) int {
	var (
		n     int
		batch []string
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		deleted, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			s.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache delete failed")
		}
		n += int(deleted)
		batch = batch[:0]
	}

	iter := s.rdb.Scan(ctx, 0, s.key(pattern), 100).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			flush()
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed")
	}
	flush()
	return n
}

// Clear removes every key under the store's prefix.
func (s *Redis) Clear(ctx context.Context) {
	s.Invalidate(ctx, "*")
}
