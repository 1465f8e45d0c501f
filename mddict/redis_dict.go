package mddict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NSLS-II/nslsii-go/internal/maputil"
)

// RedisClient is the slice of the go-redis API a RedisDict needs.
// *redis.Client satisfies it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisDict is a Redis-backed metadata dictionary shared by the hosts of one
// beamline. Each top-level key becomes a Redis key under a common prefix, with
// the value stored as JSON. Writers publish the changed top-level key on the
// configured channel; other hosts subscribe and call RefreshKey.
//
// Values read through Lookup are served from a local cache once fetched.
type RedisDict struct {
	client  RedisClient
	prefix  string
	channel string
	ttl     time.Duration

	cache map[string]any
	mu    sync.RWMutex

	listeners []Listener
}

// RedisDictOption is a functional option for configuring the RedisDict.
type RedisDictOption func(*RedisDict)

// WithRedisTTL sets an expiration for every stored key. Zero means no expiration.
func WithRedisTTL(ttl time.Duration) RedisDictOption {
	return func(r *RedisDict) {
		r.ttl = ttl
	}
}

// WithRedisChannel sets the pub/sub channel that write operations announce
// changed top-level keys on. Empty disables publishing.
func WithRedisChannel(channel string) RedisDictOption {
	return func(r *RedisDict) {
		r.channel = channel
	}
}

// WithRedisListeners registers one or more listeners during dictionary creation.
func WithRedisListeners(ls ...Listener) RedisDictOption {
	return func(r *RedisDict) { r.listeners = append(r.listeners, ls...) }
}

// NewRedisDict initializes a new RedisDict with the given client and key prefix.
func NewRedisDict(client RedisClient, prefix string, opts ...RedisDictOption) (*RedisDict, error) {
	if client == nil {
		return nil, errors.New("invalid redis client")
	}
	if prefix == "" {
		return nil, errors.New("invalid key prefix")
	}
	r := &RedisDict{
		client: client,
		prefix: prefix,
		cache:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lookup returns a deep copy of the top-level value stored under key.
// It is the metadata view the path providers read from. Values already
// fetched are served from the local cache.
func (r *RedisDict) Lookup(key string) (any, bool) {
	r.mu.RLock()
	v, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return maputil.DeepCopyValue(v), true
	}

	val, err := r.GetKey(context.Background(), []string{key})
	if err != nil {
		var kne *maputil.KeyNotFoundError
		if !errors.As(err, &kne) {
			slog.Warn("redis metadata lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// GetKey retrieves the value associated with the given key path.
func (r *RedisDict) GetKey(ctx context.Context, keys []string) (any, error) {
	if len(keys) == 0 {
		return nil, errors.New("cannot get value at root")
	}

	top, found, err := r.fetchTop(ctx, keys[0])
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &maputil.KeyNotFoundError{Key: keys[0]}
	}
	r.cacheStore(keys[0], top)

	if len(keys) == 1 {
		return maputil.DeepCopyValue(top), nil
	}
	container := map[string]any{keys[0]: top}
	val, err := maputil.GetValueAtPath(container, keys)
	if err != nil {
		return nil, err
	}
	return maputil.DeepCopyValue(val), nil
}

// SetKey sets the value for the given key path and announces the change.
func (r *RedisDict) SetKey(ctx context.Context, keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("cannot set value at root")
	}

	existing, found, err := r.fetchTop(ctx, keys[0])
	if err != nil {
		return err
	}
	container := map[string]any{}
	if found {
		container[keys[0]] = existing
	}
	oldVal, _ := maputil.GetValueAtPath(container, keys)

	if err := maputil.SetValueAtPath(container, keys, value); err != nil {
		return fmt.Errorf("failed to set value at key %v: %w", keys, err)
	}

	if err := r.storeTop(ctx, keys[0], container[keys[0]]); err != nil {
		return err
	}

	r.publish(ctx, keys[0])
	fireEvent(r.listeners, Event{
		Op:        OpSetKey,
		Source:    r.prefix,
		Keys:      slices.Clone(keys),
		OldValue:  maputil.DeepCopyValue(oldVal),
		NewValue:  maputil.DeepCopyValue(value),
		Timestamp: time.Now(),
	})
	return nil
}

// DeleteKey deletes the value associated with the given key path and announces the change.
// A missing key is a noop.
func (r *RedisDict) DeleteKey(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return errors.New("cannot delete value at root")
	}

	existing, found, err := r.fetchTop(ctx, keys[0])
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	container := map[string]any{keys[0]: existing}
	oldVal, _ := maputil.GetValueAtPath(container, keys)
	if err := maputil.DeleteValueAtPath(container, keys); err != nil {
		return fmt.Errorf("failed to delete key %v: %w", keys, err)
	}

	if len(keys) == 1 {
		if err := r.client.Del(ctx, r.redisKey(keys[0])).Err(); err != nil {
			return fmt.Errorf("failed to delete key %q: %w", keys[0], err)
		}
		r.cacheDrop(keys[0])
	} else {
		if err := r.storeTop(ctx, keys[0], container[keys[0]]); err != nil {
			return err
		}
	}

	r.publish(ctx, keys[0])
	fireEvent(r.listeners, Event{
		Op:        OpDeleteKey,
		Source:    r.prefix,
		Keys:      slices.Clone(keys),
		OldValue:  maputil.DeepCopyValue(oldVal),
		NewValue:  nil,
		Timestamp: time.Now(),
	})
	return nil
}

// RefreshKey re-reads one top-level key into the local cache. Hosts subscribed
// to the announce channel call this when a peer publishes the key.
// A key deleted on the server is dropped from the cache.
func (r *RedisDict) RefreshKey(ctx context.Context, key string) error {
	top, found, err := r.fetchTop(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		r.cacheDrop(key)
		return nil
	}
	r.cacheStore(key, top)
	return nil
}

// Snapshot reads every key under the dictionary prefix into a plain map.
func (r *RedisDict) Snapshot(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	match := r.prefix + ":*"

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys for prefix %q: %w", r.prefix, err)
		}
		for _, rk := range keys {
			key := strings.TrimPrefix(rk, r.prefix+":")
			top, found, err := r.fetchTop(ctx, key)
			if err != nil {
				return nil, err
			}
			if found {
				out[key] = top
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisDict) redisKey(key string) string {
	return r.prefix + ":" + key
}

// fetchTop reads and decodes one top-level key. A missing key returns found=false.
func (r *RedisDict) fetchTop(ctx context.Context, key string) (top any, found bool, err error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil, false, fmt.Errorf("failed to decode value for key %q: %w", key, err)
	}
	return top, true, nil
}

// storeTop writes one top-level key as JSON and updates the local cache.
func (r *RedisDict) storeTop(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.redisKey(key), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	r.cacheStore(key, value)
	return nil
}

func (r *RedisDict) cacheStore(key string, value any) {
	r.mu.Lock()
	r.cache[key] = maputil.DeepCopyValue(value)
	r.mu.Unlock()
}

func (r *RedisDict) cacheDrop(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

func (r *RedisDict) publish(ctx context.Context, key string) {
	if r.channel == "" {
		return
	}
	if err := r.client.Publish(ctx, r.channel, key).Err(); err != nil {
		slog.Warn("failed to publish dictionary update",
			"channel", r.channel, "key", key, "error", err)
	}
}
