package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a locally retained copy of a run outcome shown to the
// student. Read state is local and never sent to the server.
type Notification struct {
	ID         uuid.UUID              `json:"id"`
	Seq        uint64                 `json:"seq"`
	RunID      uuid.UUID              `json:"run_id"`
	Status     generation.EventStatus `json:"status"`
	Stage      generation.StageName   `json:"stage"`
	Message    string                 `json:"message,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ArtifactID *uuid.UUID             `json:"artifact_id,omitempty"`
	Missing    []generation.Modality  `json:"missing_modalities,omitempty"`
	Read       bool                   `json:"read"`
	ReceivedAt time.Time              `json:"received_at"`
}

// NotificationStore persists notifications across restarts.
type NotificationStore interface {
	Load(ctx context.Context) ([]Notification, error)
	Put(ctx context.Context, ns ...Notification) error
	Delete(ctx context.Context, ids ...uuid.UUID) error
}

const DefaultNotificationCap = 50

// NotificationLog keeps at most cap notifications, oldest evicted first,
// with at most one per run.
type NotificationLog struct {
	mu    sync.Mutex
	store NotificationStore
	cap   int
	now   func() time.Time

	items  []Notification
	byID   map[uuid.UUID]int
	byRun  map[uuid.UUID]uuid.UUID
	nextSq uint64
}

func NewNotificationLog(ctx context.Context, store NotificationStore, capacity int) (*NotificationLog, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if capacity <= 0 {
		capacity = DefaultNotificationCap
	}
	l := &NotificationLog{store: store, cap: capacity, now: time.Now}
	items, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	l.items = items
	l.reindex()
	if evicted := l.evict(); len(evicted) > 0 {
		if err := store.Delete(ctx, evicted...); err != nil {
			return nil, fmt.Errorf("trim notifications: %w", err)
		}
	}
	for _, n := range l.items {
		if n.Seq >= l.nextSq {
			l.nextSq = n.Seq + 1
		}
	}
	return l, nil
}

func (l *NotificationLog) reindex() {
	l.byID = make(map[uuid.UUID]int, len(l.items))
	l.byRun = make(map[uuid.UUID]uuid.UUID, len(l.items))
	for i, n := range l.items {
		l.byID[n.ID] = i
		l.byRun[n.RunID] = n.ID
	}
}

func (l *NotificationLog) evict() []uuid.UUID {
	if len(l.items) <= l.cap {
		return nil
	}
	drop := len(l.items) - l.cap
	ids := make([]uuid.UUID, 0, drop)
	for _, n := range l.items[:drop] {
		ids = append(ids, n.ID)
	}
	l.items = append(l.items[:0:0], l.items[drop:]...)
	l.reindex()
	return ids
}

// Add records e. It reports false when e was already seen, by event id or
// because its run already has a notification.
func (l *NotificationLog) Add(ctx context.Context, e generation.Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byID[e.ID]; dup {
		return false, nil
	}
	if _, dup := l.byRun[e.RunID]; dup {
		return false, nil
	}
	n := Notification{
		ID:         e.ID,
		Seq:        l.nextSq,
		RunID:      e.RunID,
		Status:     e.Status,
		Stage:      e.Stage,
		Message:    e.Message,
		Error:      e.Error,
		ArtifactID: e.ArtifactID,
		Missing:    e.Missing,
		ReceivedAt: l.now().UTC(),
	}
	l.nextSq++
	l.items = append(l.items, n)
	l.byID[n.ID] = len(l.items) - 1
	l.byRun[n.RunID] = n.ID
	if err := l.store.Put(ctx, n); err != nil {
		return true, fmt.Errorf("persist notification: %w", err)
	}
	if evicted := l.evict(); len(evicted) > 0 {
		if err := l.store.Delete(ctx, evicted...); err != nil {
			return true, fmt.Errorf("evict notifications: %w", err)
		}
	}
	return true, nil
}

func (l *NotificationLog) MarkRead(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byID[id]
	if !ok {
		return ErrNotificationNotFound
	}
	if l.items[i].Read {
		return nil
	}
	l.items[i].Read = true
	return l.store.Put(ctx, l.items[i])
}

// MarkAllRead returns how many notifications changed.
func (l *NotificationLog) MarkAllRead(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var changed []Notification
	for i := range l.items {
		if !l.items[i].Read {
			l.items[i].Read = true
			changed = append(changed, l.items[i])
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	return len(changed), l.store.Put(ctx, changed...)
}

// List returns notifications newest first.
func (l *NotificationLog) List() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notification, 0, len(l.items))
	for i := len(l.items) - 1; i >= 0; i-- {
		out = append(out, l.items[i])
	}
	return out
}

func (l *NotificationLog) Unread() []Notification {
	var out []Notification
	for _, n := range l.List() {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}

func (l *NotificationLog) HasRun(runID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byRun[runID]
	return ok
}
