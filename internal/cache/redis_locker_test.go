package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := NewRedisLocker(logger.Nop(), rdb, "test")
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	return l, mr
}

func TestRedisLockerExclusiveAndTokenChecked(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("test:lock:k") {
		t.Fatalf("lock key missing")
	}
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire: want=ErrLocked got=%v", err)
	}
	forged := lease
	forged.Token = "someone-else"
	if err := l.Release(ctx, forged); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("forged release: want=ErrNotHolder got=%v", err)
	}
	if _, err := l.Refresh(ctx, forged, time.Minute); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("forged refresh: want=ErrNotHolder got=%v", err)
	}
	if _, err := l.Refresh(ctx, lease, 2*time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ttl := mr.TTL("test:lock:k"); ttl != 2*time.Minute {
		t.Fatalf("ttl after refresh: want=%s got=%s", 2*time.Minute, ttl)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err := l.Held(ctx, "k")
	if err != nil || held {
		t.Fatalf("held after release: held=%v err=%v", held, err)
	}
}

func TestRedisLockerExpiryFreesKey(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestRedisLockerNotifiesRelease(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()
	lease, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ch, stop, err := l.Released(ctx, "k")
	if err != nil {
		t.Fatalf("released: %v", err)
	}
	defer stop()
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no release notification")
	}
	stop()
}
