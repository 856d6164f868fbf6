package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket name
	bucketKeys = []byte("keys")
)

// BoltStore implements Store on a local BoltDB file. Watches only see writes
// made through the same BoltStore, so it suits single-host deployments and
// tests; use etcd when the issuance command runs as another process.
type BoltStore struct {
	db *bolt.DB

	mu       sync.RWMutex
	watchers map[string][]*watcher
	closed   bool
}

type watcher struct {
	ch     chan WatchEvent
	closed bool
}

// NewBoltStore opens (or creates) a BoltDB-backed store at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKeys); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketKeys, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:       db,
		watchers: make(map[string][]*watcher),
	}, nil
}

// Close closes the database and every open watch channel
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for prefix, entries := range s.watchers {
		for _, w := range entries {
			if !w.closed {
				w.closed = true
				close(w.ch)
			}
		}
		delete(s.watchers, prefix)
	}
	s.mu.Unlock()

	return s.db.Close()
}

func (s *BoltStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get retrieves the value for the given key
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// Set sets the value for the given key
func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(key), value)
	})
	if err != nil {
		return err
	}

	s.notify(EventPut, key, value)
	return nil
}

// Delete removes the key, and with recursive everything below it
func (s *BoltStore) Delete(ctx context.Context, key string, recursive bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	var deleted []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		keys := [][]byte{[]byte(key)}
		if recursive {
			dir := []byte(key + "/")
			c := b.Cursor()
			for k, _ := c.Seek(dir); k != nil && bytes.HasPrefix(k, dir); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if b.Get(k) == nil {
				continue
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted = append(deleted, string(k))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range deleted {
		s.notify(EventDelete, k, nil)
	}
	return nil
}

// List returns all key-value pairs where the key starts with the given prefix
func (s *BoltStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var pairs []KVPair
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKeys).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			val := make([]byte, len(v))
			copy(val, v)
			pairs = append(pairs, KVPair{Key: string(k), Value: val})
		}
		return nil
	})
	return pairs, err
}

// Watch monitors keys with the given prefix for changes
func (s *BoltStore) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	w := &watcher{ch: make(chan WatchEvent, 16)}
	s.watchers[prefix] = append(s.watchers[prefix], w)

	go func() {
		<-ctx.Done()
		s.removeWatcher(prefix, w)
	}()

	return w.ch, nil
}

func (s *BoltStore) removeWatcher(prefix string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.watchers[prefix]
	for i, e := range entries {
		if e == w {
			if !e.closed {
				e.closed = true
				close(e.ch)
			}
			s.watchers[prefix] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(s.watchers[prefix]) == 0 {
		delete(s.watchers, prefix)
	}
}

func (s *BoltStore) notify(eventType EventType, key string, value []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for prefix, entries := range s.watchers {
		if !underPrefix(key, prefix) {
			continue
		}
		event := WatchEvent{Type: eventType, Key: key, Value: value}
		for _, w := range entries {
			if w.closed {
				continue
			}
			select {
			case w.ch <- event:
			default:
				// Drop when the consumer lags; WaitForValue re-reads periodically
			}
		}
	}
}
