package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

var (
	// ErrAwaitTimeout means the holder did not finish within the wait budget.
	ErrAwaitTimeout = errors.New("cache: timed out waiting for in-flight generation")
	// ErrLockReleased means the holder let go (or its lease expired) without
	// storing an artifact.
	ErrLockReleased = errors.New("cache: lock released without an artifact")
)

type Options struct {
	LockTTL time.Duration
	// AwaitTimeout is the default wait used when AwaitCompletion gets 0.
	AwaitTimeout time.Duration
	// ArtifactTTL makes artifacts older than this stale. 0 keeps them forever.
	ArtifactTTL time.Duration
	// PollInterval bounds how long an expired lease can go unnoticed while
	// waiting.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.AwaitTimeout <= 0 {
		o.AwaitTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// ContentCache deduplicates generation work across runs.
type ContentCache struct {
	log    *logger.Logger
	store  ArtifactStore
	locker Locker
	opts   Options
	now    func() time.Time
	group  singleflight.Group
}

func New(log *logger.Logger, store ArtifactStore, locker Locker, opts Options) *ContentCache {
	if log == nil {
		log = logger.Nop()
	}
	return &ContentCache{
		log:    log.With("service", "ContentCache"),
		store:  store,
		locker: locker,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (c *ContentCache) LockTTL() time.Duration { return c.opts.LockTTL }

// Lookup returns the artifact for key, or nil on a miss. Stale artifacts are
// treated as misses and removed.
func (c *ContentCache) Lookup(ctx context.Context, key Key) (*generation.CachedArtifact, error) {
	k := key.String()
	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		return c.store.GetByKey(ctx, k)
	})
	if err != nil {
		observability.IncCacheLookup("error")
		return nil, fmt.Errorf("cache lookup %s: %w", k, err)
	}
	a, _ := v.(*generation.CachedArtifact)
	if a == nil {
		observability.IncCacheLookup("miss")
		return nil, nil
	}
	if c.stale(a) {
		observability.IncCacheLookup("stale")
		if _, err := c.store.DeleteByKey(ctx, k); err != nil {
			c.log.Warn("failed to drop stale artifact", "cache_key", k, "error", err)
		}
		c.group.Forget(k)
		return nil, nil
	}
	observability.IncCacheLookup("hit")
	cp := *a
	return &cp, nil
}

func (c *ContentCache) stale(a *generation.CachedArtifact) bool {
	if c.opts.ArtifactTTL <= 0 || a.CreatedAt.IsZero() {
		return false
	}
	return c.now().Sub(a.CreatedAt) > c.opts.ArtifactTTL
}

// AcquireLock returns ErrLocked when another run is generating key.
func (c *ContentCache) AcquireLock(ctx context.Context, key Key) (Lease, error) {
	lease, err := c.locker.Acquire(ctx, key.Digest(), c.opts.LockTTL)
	switch {
	case err == nil:
		observability.IncLockAcquire("acquired")
	case errors.Is(err, ErrLocked):
		observability.IncLockAcquire("locked")
	default:
		observability.IncLockAcquire("error")
	}
	return lease, err
}

// Hold refreshes lease every third of the TTL until ctx ends or stop is
// called. onLost runs once if a refresh finds the lease gone.
func (c *ContentCache) Hold(ctx context.Context, lease Lease, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	interval := c.opts.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		current := lease
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				next, err := c.locker.Refresh(ctx, current, c.opts.LockTTL)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.log.Warn("generation lease refresh failed", "lock", lease.Key, "error", err)
					if errors.Is(err, ErrNotHolder) {
						if onLost != nil {
							onLost(err)
						}
						return
					}
					continue
				}
				current = next
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// AwaitCompletion blocks until another run stores key's artifact, the holder
// releases without one (ErrLockReleased), or timeout (ErrAwaitTimeout).
// Release notifications wake it immediately; a slow poll of lock state
// catches holders whose lease simply expired.
func (c *ContentCache) AwaitCompletion(ctx context.Context, key Key, timeout time.Duration) (*generation.CachedArtifact, error) {
	if timeout <= 0 {
		timeout = c.opts.AwaitTimeout
	}
	released, stopSub, err := c.locker.Released(ctx, key.Digest())
	if err != nil {
		return nil, fmt.Errorf("subscribe to lock release: %w", err)
	}
	defer stopSub()

	// Subscribe before checking so a store+release between the caller's
	// failed acquire and now is not missed.
	if a, err := c.Lookup(ctx, key); err != nil || a != nil {
		return c.awaitResult(a, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			observability.IncAwaitOutcome("cancelled")
			return nil, ctx.Err()
		case <-timer.C:
			observability.IncAwaitOutcome("timeout")
			return nil, ErrAwaitTimeout
		case <-released:
			c.group.Forget(key.String())
			a, err := c.Lookup(ctx, key)
			if err != nil || a != nil {
				return c.awaitResult(a, err)
			}
			observability.IncAwaitOutcome("released_empty")
			return nil, ErrLockReleased
		case <-poll.C:
			held, err := c.locker.Held(ctx, key.Digest())
			if err != nil {
				c.log.Debug("lock state poll failed", "cache_key", key.String(), "error", err)
				continue
			}
			if held {
				continue
			}
			c.group.Forget(key.String())
			a, err := c.Lookup(ctx, key)
			if err != nil || a != nil {
				return c.awaitResult(a, err)
			}
			observability.IncAwaitOutcome("released_empty")
			return nil, ErrLockReleased
		}
	}
}

func (c *ContentCache) awaitResult(a *generation.CachedArtifact, err error) (*generation.CachedArtifact, error) {
	if err != nil {
		observability.IncAwaitOutcome("error")
		return nil, err
	}
	observability.IncAwaitOutcome("artifact")
	return a, nil
}

// Store writes artifact under key unless one already exists. It returns the
// artifact that is now cached and whether this call wrote it.
func (c *ContentCache) Store(ctx context.Context, key Key, a *generation.CachedArtifact) (*generation.CachedArtifact, bool, error) {
	if a == nil {
		return nil, false, errors.New("artifact is nil")
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	n := key.Normalize()
	a.CacheKey = n.String()
	a.TopicID = n.TopicID
	a.GradeLevel = n.GradeLevel
	a.Interest = n.Interest
	if len(a.SupportedFormats) == 0 {
		a.SupportedFormats = a.Formats()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now().UTC()
	}
	stored, created, err := c.store.CreateIfAbsent(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("cache store %s: %w", a.CacheKey, err)
	}
	c.group.Forget(a.CacheKey)
	if !created {
		c.log.Info("artifact already cached, keeping first write", "cache_key", a.CacheKey, "artifact_id", stored.ID)
	}
	return stored, created, nil
}

// ReleaseLock gives up lease. Releasing a lease that already expired or was
// released is logged and otherwise ignored.
func (c *ContentCache) ReleaseLock(ctx context.Context, lease Lease) error {
	if !lease.Valid() {
		return nil
	}
	err := c.locker.Release(ctx, lease)
	if errors.Is(err, ErrNotHolder) {
		c.log.Debug("lease already gone at release", "lock", lease.Key)
		return nil
	}
	return err
}

// Invalidate removes key's artifact so the next request regenerates it.
func (c *ContentCache) Invalidate(ctx context.Context, key Key) (bool, error) {
	k := key.String()
	removed, err := c.store.DeleteByKey(ctx, k)
	c.group.Forget(k)
	if err != nil {
		return false, fmt.Errorf("cache invalidate %s: %w", k, err)
	}
	if removed {
		c.log.Info("artifact invalidated", "cache_key", k)
	}
	return removed, nil
}
