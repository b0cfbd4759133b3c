package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

func newTestCache(opts Options) (*ContentCache, *MemoryStore, *MemoryLocker) {
	store := NewMemoryStore()
	locker := NewMemoryLocker()
	return New(nil, store, locker, opts), store, locker
}

func TestKeyNormalizesPhrasing(t *testing.T) {
	a := NewKey(" Photosynthesis ", 10, "Chess")
	b := NewKey("photosynthesis", 10, "  chess ")
	if a != b {
		t.Fatalf("keys: want equal got=%v and %v", a, b)
	}
	if a.String() != "photosynthesis|10|chess" {
		t.Fatalf("string: got=%q", a.String())
	}
	if len(a.Digest()) != 32 {
		t.Fatalf("digest length: want=32 got=%d", len(a.Digest()))
	}
	if err := (Key{TopicID: "t", GradeLevel: 0, Interest: "x"}).Validate(); err == nil {
		t.Fatalf("expected grade validation error")
	}
}

func TestStoreFirstWriterWins(t *testing.T) {
	c, store, _ := newTestCache(Options{})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")

	first, created, err := c.Store(ctx, key, &generation.CachedArtifact{Script: "first"})
	if err != nil || !created {
		t.Fatalf("first store: created=%v err=%v", created, err)
	}
	second, created, err := c.Store(ctx, key, &generation.CachedArtifact{Script: "second"})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if created {
		t.Fatalf("second store should not create")
	}
	if second.ID != first.ID || second.Script != "first" {
		t.Fatalf("second store: want id=%s script=first got id=%s script=%s", first.ID, second.ID, second.Script)
	}
	if store.Len() != 1 {
		t.Fatalf("store len: want=1 got=%d", store.Len())
	}

	got, err := c.Lookup(ctx, NewKey("T1", 10, "Chess"))
	if err != nil || got == nil {
		t.Fatalf("lookup: got=%v err=%v", got, err)
	}
	if got.ID != first.ID {
		t.Fatalf("lookup id: want=%s got=%s", first.ID, got.ID)
	}
	if len(got.SupportedFormats) != 1 || got.SupportedFormats[0] != generation.ModalityText {
		t.Fatalf("formats: got=%v", got.SupportedFormats)
	}
}

func TestReleaseMakesKeyImmediatelyAcquirable(t *testing.T) {
	c, _, _ := newTestCache(Options{LockTTL: time.Minute})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")

	lease, err := c.AcquireLock(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.AcquireLock(ctx, key); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire: want=ErrLocked got=%v", err)
	}
	if err := c.ReleaseLock(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := c.AcquireLock(ctx, key); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	// releasing a stale lease is harmless
	if err := c.ReleaseLock(ctx, lease); err != nil {
		t.Fatalf("stale release: %v", err)
	}
}

func TestExpiredLeaseIsAcquirable(t *testing.T) {
	c, _, locker := newTestCache(Options{LockTTL: time.Minute})
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")

	if _, err := c.AcquireLock(ctx, key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.AcquireLock(ctx, key); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestAwaitCompletionReturnsHolderArtifact(t *testing.T) {
	c, _, _ := newTestCache(Options{LockTTL: time.Minute, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")

	lease, err := c.AcquireLock(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	type result struct {
		a   *generation.CachedArtifact
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := c.AwaitCompletion(ctx, key, 2*time.Second)
		done <- result{a, err}
	}()

	time.Sleep(20 * time.Millisecond)
	stored, _, err := c.Store(ctx, key, &generation.CachedArtifact{Script: "s"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.ReleaseLock(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("await: %v", r.err)
		}
		if r.a == nil || r.a.ID != stored.ID {
			t.Fatalf("await artifact: want=%s got=%v", stored.ID, r.a)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("await did not return")
	}
}

func TestAwaitCompletionTimesOutWhileHolderRuns(t *testing.T) {
	c, _, _ := newTestCache(Options{LockTTL: time.Minute, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")
	if _, err := c.AcquireLock(ctx, key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	start := time.Now()
	_, err := c.AwaitCompletion(ctx, key, 60*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("await: want=ErrAwaitTimeout got=%v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("await took too long: %s", elapsed)
	}
}

func TestAwaitCompletionReportsEmptyRelease(t *testing.T) {
	c, _, _ := newTestCache(Options{LockTTL: time.Minute, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")
	lease, err := c.AcquireLock(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.ReleaseLock(ctx, lease)
	}()
	if _, err := c.AwaitCompletion(ctx, key, 2*time.Second); !errors.Is(err, ErrLockReleased) {
		t.Fatalf("await: want=ErrLockReleased got=%v", err)
	}
}

func TestLookupTreatsOldArtifactsAsStale(t *testing.T) {
	c, store, _ := newTestCache(Options{ArtifactTTL: time.Hour})
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")
	if _, _, err := c.Store(ctx, key, &generation.CachedArtifact{Script: "s"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if a, _ := c.Lookup(ctx, key); a == nil {
		t.Fatalf("fresh lookup should hit")
	}
	now = now.Add(2 * time.Hour)
	if a, _ := c.Lookup(ctx, key); a != nil {
		t.Fatalf("stale lookup should miss")
	}
	if store.Len() != 0 {
		t.Fatalf("stale artifact should be dropped, len=%d", store.Len())
	}
}

func TestInvalidateRemovesArtifact(t *testing.T) {
	c, _, _ := newTestCache(Options{})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")
	if _, _, err := c.Store(ctx, key, &generation.CachedArtifact{Script: "s"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	removed, err := c.Invalidate(ctx, key)
	if err != nil || !removed {
		t.Fatalf("invalidate: removed=%v err=%v", removed, err)
	}
	if a, _ := c.Lookup(ctx, key); a != nil {
		t.Fatalf("lookup after invalidate should miss")
	}
}

func TestHoldKeepsLeaseAlive(t *testing.T) {
	c, _, _ := newTestCache(Options{LockTTL: 60 * time.Millisecond})
	ctx := context.Background()
	key := NewKey("t1", 10, "chess")
	lease, err := c.AcquireLock(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stop := c.Hold(ctx, lease, nil)
	time.Sleep(200 * time.Millisecond)
	if _, err := c.AcquireLock(ctx, key); !errors.Is(err, ErrLocked) {
		t.Fatalf("held lease: want=ErrLocked got=%v", err)
	}
	stop()
	if err := c.ReleaseLock(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
}
