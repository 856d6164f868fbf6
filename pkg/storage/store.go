package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EventType represents the type of change in a watch event
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// WatchEvent represents a single change under a watched prefix
type WatchEvent struct {
	Type  EventType
	Key   string
	Value []byte
}

// KVPair represents a key-value pair
type KVPair struct {
	Key   string
	Value []byte
}

// Store defines the interface for the hierarchical key-value store that holds
// desired ALB state. Keys are slash separated paths such as
// /alb/vhost/listeners/web/port; a "directory" exists as long as one key
// lives below it.
type Store interface {
	// Get retrieves the value for the given key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set sets the value for the given key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the given key. With recursive set, every key below
	// key/ is removed as well. Missing keys are not an error.
	Delete(ctx context.Context, key string, recursive bool) error

	// List returns all key-value pairs whose key starts with prefix
	List(ctx context.Context, prefix string) ([]KVPair, error)

	// Watch delivers changes to keys under prefix until ctx is done
	Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error)

	// Close releases the underlying connection or file
	Close() error
}

var (
	// ErrKeyNotFound means the store was reachable but the key is absent
	ErrKeyNotFound = errors.New("key not found")

	// ErrConnectionFailed wraps any transport level failure. Callers retry
	// these a bounded number of times.
	ErrConnectionFailed = errors.New("store connection failed")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

// connectionError wraps a backend error so that errors.Is(err, ErrConnectionFailed) holds
func connectionError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrConnectionFailed, op, key, err)
}

// GetString reads a key as a string. Missing keys yield def and no error.
func GetString(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return string(v), nil
}

// GetJSON decodes a JSON value into out. It reports false when the key is
// missing or holds the JSON null literal.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	trimmed := strings.TrimSpace(string(v))
	if trimmed == "" || trimmed == "null" {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Children returns the sorted names directly below dir. A missing directory
// returns ErrKeyNotFound so callers can tell "empty" from "absent".
func Children(ctx context.Context, s Store, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	pairs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, ErrKeyNotFound
	}

	seen := make(map[string]struct{})
	var names []string
	for _, p := range pairs {
		rest := strings.TrimPrefix(p.Key, prefix)
		name, _, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// underPrefix reports whether key is dir itself or lives below it
func underPrefix(key, dir string) bool {
	return key == dir || strings.HasPrefix(key, strings.TrimSuffix(dir, "/")+"/")
}
