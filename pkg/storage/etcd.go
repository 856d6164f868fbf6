package storage

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
)

// EtcdStore implements Store on an etcd v3 cluster. Hierarchical directories
// are emulated with key prefixes.
type EtcdStore struct {
	client         *clientv3.Client
	requestTimeout time.Duration
}

// NewEtcdStore connects to the given endpoints
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %v: %v", ErrConnectionFailed, endpoints, err)
	}
	return &EtcdStore{client: client, requestTimeout: defaultRequestTimeout}, nil
}

// Close closes the client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// Get retrieves the value for the given key
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, connectionError("get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Set sets the value for the given key
func (s *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return connectionError("put", key, err)
	}
	return nil
}

// Delete removes the key, and with recursive everything below it
func (s *EtcdStore) Delete(ctx context.Context, key string, recursive bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	ops := []clientv3.Op{clientv3.OpDelete(key)}
	if recursive {
		ops = append(ops, clientv3.OpDelete(key+"/", clientv3.WithPrefix()))
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return connectionError("delete", key, err)
	}
	return nil
}

// List returns all key-value pairs where the key starts with the given prefix
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, connectionError("list", prefix, err)
	}
	pairs := make([]KVPair, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		pairs = append(pairs, KVPair{Key: string(kv.Key), Value: kv.Value})
	}
	return pairs, nil
}

// Watch monitors keys with the given prefix for changes
func (s *EtcdStore) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
	out := make(chan WatchEvent, 16)

	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				event := WatchEvent{Key: string(ev.Kv.Key), Value: ev.Kv.Value, Type: EventPut}
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = EventDelete
					event.Value = nil
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
