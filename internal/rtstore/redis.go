// ABOUTME: Redis-backed implementation of the realtime store using go-redis
// ABOUTME: One hash per subtree path, Pub/Sub change signals, snapshot re-read on change

package rtstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// redisHashPrefix namespaces record hashes (one hash per parent path).
	redisHashPrefix = "rt:"
	// redisChanPrefix namespaces the Pub/Sub change channels.
	redisChanPrefix = "rtc:"
)

// RedisStore shares records across processes. Each parent path maps to one
// Redis hash; mutations publish a change signal and subscribers re-read the
// full hash, so every delivered event is an authoritative full snapshot.
type RedisStore struct {
	client *redis.Client
	pushID *pushIDGenerator
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	sub    *Subscription
	pubsub *redis.PubSub
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{
		client: client,
		pushID: newPushIDGenerator(),
		logger: logger.With("component", "rtstore"),
		subs:   make(map[string]*redisSub),
	}, nil
}

// Subscribe opens a live subscription at path, delivering the current
// snapshot immediately.
func (r *RedisStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, redisChanPrefix+path)
	// Force the SUBSCRIBE round-trip so no change signal is missed between
	// the initial snapshot read and the first received message.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", path, err)
	}

	initial, err := r.snapshot(ctx, path)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	subID := uuid.New().String()
	sub := newSubscription(subID, path, 1, nil)
	entry := &redisSub{sub: sub, pubsub: pubsub}
	sub.cancel = func() { r.teardown(subID, entry, true) }
	sub.deliver(initial)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pubsub.Close()
		return nil, ErrClosed
	}
	r.subs[subID] = entry
	r.mu.Unlock()

	go r.pump(ctx, path, subID, entry)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// pump relays change signals into fresh snapshots. When the Pub/Sub channel
// closes without the subscription's Close having run, the events channel is
// closed in place: the consumer observes a lost stream.
func (r *RedisStore) pump(ctx context.Context, path, subID string, entry *redisSub) {
	for range entry.pubsub.Channel() {
		snap, err := r.snapshot(ctx, path)
		if err != nil {
			r.logger.Error("snapshot read failed", "path", path, "error", err)
			continue
		}
		entry.sub.deliver(snap)
	}
	r.teardown(subID, entry, false)
}

// teardown removes a subscription. fromClose distinguishes deliberate
// teardown (Subscription.Close) from transport loss.
func (r *RedisStore) teardown(subID string, entry *redisSub, fromClose bool) {
	r.mu.Lock()
	_, active := r.subs[subID]
	delete(r.subs, subID)
	r.mu.Unlock()
	if active {
		entry.sub.markClosed()
	}

	if fromClose {
		entry.pubsub.Close()
	}
}

// Append stores v under path with a generated push key.
func (r *RedisStore) Append(ctx context.Context, path string, v any) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	data, err := marshalRecord(v)
	if err != nil {
		return "", err
	}

	key := r.pushID.Next()
	if err := r.client.HSet(ctx, redisHashPrefix+path, key, string(data)).Err(); err != nil {
		return "", fmt.Errorf("appending record: %w", err)
	}
	r.publish(ctx, path)
	return key, nil
}

// Write replaces the whole record at path.
func (r *RedisStore) Write(ctx context.Context, path string, v any) error {
	parent, key, err := splitPath(path)
	if err != nil {
		return err
	}
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}

	if err := r.client.HSet(ctx, redisHashPrefix+parent, key, string(data)).Err(); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	r.publish(ctx, parent)
	return nil
}

// Remove atomically deletes the subtree rooted at path.
func (r *RedisStore) Remove(ctx context.Context, path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	keys := []string{redisHashPrefix + path}
	iter := r.client.Scan(ctx, 0, redisHashPrefix+path+"/*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning subtree: %w", err)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("removing subtree: %w", err)
	}
	if parent, key, err := splitPath(path); err == nil {
		if err := r.client.HDel(ctx, redisHashPrefix+parent, key).Err(); err != nil {
			return fmt.Errorf("removing record: %w", err)
		}
		r.publish(ctx, parent)
	}
	// Signal every deleted parent path so subscribers below the removal
	// root observe the empty state too.
	for _, k := range keys {
		r.publish(ctx, strings.TrimPrefix(k, redisHashPrefix))
	}
	return nil
}

// Close shuts down the client. Subscribers observe a lost stream.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSub)
	r.mu.Unlock()
	for _, entry := range subs {
		entry.sub.markClosed()
	}

	for _, entry := range subs {
		entry.pubsub.Close()
	}
	return r.client.Close()
}

// publish signals a change at the given parent path. Failures are logged:
// the write itself has landed, only the push notification is lost.
func (r *RedisStore) publish(ctx context.Context, path string) {
	if err := r.client.Publish(ctx, redisChanPrefix+path, "changed").Err(); err != nil {
		r.logger.Error("change publish failed", "path", path, "error", err)
	}
}

// snapshot materializes the direct children of path.
func (r *RedisStore) snapshot(ctx context.Context, path string) (Snapshot, error) {
	values, err := r.client.HGetAll(ctx, redisHashPrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	snap := make(Snapshot, len(values))
	for k, v := range values {
		snap[k] = []byte(v)
	}
	return snap, nil
}
