package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a cross-replica Locker built on SET NX PX. A holder that dies
// loses the lock after ttl.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedis(rdb goredis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		logger: logger.With().Str("component", "lock.redis").Logger(),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.rdb, []string{k}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("release lock failed")
			}
		})
	}, nil
}
