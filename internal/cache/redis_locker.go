package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("PUBLISH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares generation locks across instances. Locks are plain
// keys set with NX and a PX expiry; releases publish on a per-key channel.
type RedisLocker struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLocker(log *logger.Logger, rdb goredis.UniversalClient, prefix string) (*RedisLocker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "vividly:gen"
	}
	return &RedisLocker{
		log:    log.With("service", "RedisLocker"),
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (l *RedisLocker) lockKey(key string) string    { return l.prefix + ":lock:" + key }
func (l *RedisLocker) releaseChan(key string) string { return l.prefix + ":released:" + key }

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.lockKey(key), token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis acquire: %w", err)
	}
	if !ok {
		return Lease{}, ErrLocked
	}
	return Lease{Key: key, Token: token, ExpiresAt: l.now().Add(ttl)}, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey(lease.Key), l.releaseChan(lease.Key)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

func (l *RedisLocker) Refresh(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.lockKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("redis refresh: %w", err)
	}
	if n == 0 {
		return Lease{}, ErrNotHolder
	}
	lease.ExpiresAt = l.now().Add(ttl)
	return lease, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLocker) Released(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	sub := l.rdb.Subscribe(ctx, l.releaseChan(key))
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok || m == nil {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
				l.log.Debug("redis unsubscribe failed", "key", key, "error", err)
			}
		})
	}
	return out, stop, nil
}
