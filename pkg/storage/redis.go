package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 500

// RedisStore implements Store on Redis string keys. Watches rely on keyspace
// notifications (notify-keyspace-events must include K and $g); when they are
// disabled WaitForValue still converges through its periodic re-reads.
type RedisStore struct {
	client *redis.Client
	db     int
}

// NewRedisStore connects to a redis:// or rediss:// URL and verifies it with a ping
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrConnectionFailed, opts.Addr, err)
	}
	return &RedisStore{client: client, db: opts.DB}, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get retrieves the value for the given key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, connectionError("get", key, err)
	}
	return v, nil
}

// Set sets the value for the given key
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return connectionError("set", key, err)
	}
	return nil
}

// Delete removes the key, and with recursive everything below it
func (s *RedisStore) Delete(ctx context.Context, key string, recursive bool) error {
	keys := []string{key}
	if recursive {
		below, err := s.scan(ctx, key+"/")
		if err != nil {
			return err
		}
		keys = append(keys, below...)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return connectionError("delete", key, err)
	}
	return nil
}

// List returns all key-value pairs where the key starts with the given prefix
func (s *RedisStore) List(ctx context.Context, prefix string) ([]KVPair, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, connectionError("mget", prefix, err)
	}

	pairs := make([]KVPair, 0, len(keys))
	for i, k := range keys {
		str, ok := values[i].(string)
		if !ok {
			// Deleted between SCAN and MGET
			continue
		}
		pairs = append(pairs, KVPair{Key: k, Value: []byte(str)})
	}
	return pairs, nil
}

func (s *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, connectionError("scan", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch monitors keys with the given prefix through keyspace notifications
func (s *RedisStore) Watch(ctx context.Context, prefix string) (<-chan WatchEvent, error) {
	channelPrefix := fmt.Sprintf("__keyspace@%d__:", s.db)
	pubsub := s.client.PSubscribe(ctx, channelPrefix+escapeGlob(prefix)+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, connectionError("watch", prefix, err)
	}

	out := make(chan WatchEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				key := strings.TrimPrefix(msg.Channel, channelPrefix)
				event := WatchEvent{Key: key, Type: EventPut}
				switch msg.Payload {
				case "del", "expired":
					event.Type = EventDelete
				case "set":
					if v, err := s.client.Get(ctx, key).Bytes(); err == nil {
						event.Value = v
					}
				default:
					continue
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

// escapeGlob escapes the characters redis treats as glob syntax
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
