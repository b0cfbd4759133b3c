package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLocked    = errors.New("cache: generation lock held by another run")
	ErrNotHolder = errors.New("cache: lease no longer held")
)

// Lease is proof of holding the generation lock for one key until ExpiresAt.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

func (l Lease) Valid() bool { return l.Key != "" && l.Token != "" }

// Locker provides per-key mutual exclusion with expiry.
type Locker interface {
	// Acquire returns ErrLocked when another token holds key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Release deletes the lock only if lease still owns it and notifies
	// Released subscribers. It returns ErrNotHolder otherwise.
	Release(ctx context.Context, lease Lease) error
	// Refresh extends a held lease to now+ttl.
	Refresh(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Held(ctx context.Context, key string) (bool, error)
	// Released subscribes to release notifications for key. The returned
	// channel receives at least one value after each release; stop ends the
	// subscription.
	Released(ctx context.Context, key string) (ch <-chan struct{}, stop func(), err error)
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu       sync.Mutex
	now      func() time.Time
	locks    map[string]memoryEntry
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		now:      time.Now,
		locks:    make(map[string]memoryEntry),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
		return Lease{}, ErrLocked
	}
	lease := Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.locks[key] = memoryEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (m *MemoryLocker) Release(ctx context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[lease.Key]
	if !ok || e.token != lease.Token {
		return ErrNotHolder
	}
	delete(m.locks, lease.Key)
	for ch := range m.watchers[lease.Key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemoryLocker) Refresh(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.locks[lease.Key]
	if !ok || e.token != lease.Token || !now.Before(e.expiresAt) {
		return Lease{}, ErrNotHolder
	}
	lease.ExpiresAt = now.Add(ttl)
	m.locks[lease.Key] = memoryEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (m *MemoryLocker) Held(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.locks, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryLocker) Released(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan struct{}]struct{})
	}
	m.watchers[key][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[key], ch)
			if len(m.watchers[key]) == 0 {
				delete(m.watchers, key)
			}
			m.mu.Unlock()
		})
	}
	return ch, stop, nil
}
