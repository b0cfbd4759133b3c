package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]Notification)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, n)
	}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, ns ...Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.items[n.ID] = n
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.items, id)
	}
	return nil
}

const notificationKeyPrefix = "notification:"

// BadgerStore keeps notifications in a badger database, one key per
// notification under a per-session prefix.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, session string) *BadgerStore {
	return &BadgerStore{db: db, prefix: notificationKeyPrefix + session + ":"}
}

// OpenBadger opens a badger database at dir, or an in-memory one when dir
// is empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

func (s *BadgerStore) key(id uuid.UUID) []byte { return []byte(s.prefix + id.String()) }

func (s *BadgerStore) Load(ctx context.Context) ([]Notification, error) {
	var out []Notification
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(s.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n Notification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return fmt.Errorf("decode notification %s: %w", it.Item().Key(), err)
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Put(ctx context.Context, ns ...Notification) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, n := range ns {
			data, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("marshal notification: %w", err)
			}
			if err := txn.Set(s.key(n.ID), data); err != nil {
				return fmt.Errorf("set notification: %w", err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, ids ...uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(s.key(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete notification: %w", err)
			}
		}
		return nil
	})
}
