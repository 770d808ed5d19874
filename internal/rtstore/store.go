// ABOUTME: Store interface and snapshot types for the realtime hierarchical KV store
// ABOUTME: Defines path-scoped live subscriptions with whole-subtree snapshot delivery

package rtstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is returned for operations on a store that has been closed.
var ErrClosed = errors.New("store closed")

// ErrInvalidPath is returned when a path is empty or malformed.
var ErrInvalidPath = errors.New("invalid path")

// Snapshot is the full materialization of a subtree: child key -> raw record.
// Every delivered snapshot is authoritative full state, never a diff. A nil
// or empty snapshot means the subtree holds no records.
type Snapshot map[string]json.RawMessage

// Keys returns the snapshot's child keys in the store's key order
// (lexicographic, which for push-assigned keys is creation order).
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is the path-addressed hierarchical key-value realtime store.
// Records live one level beneath a parent path (users/{id},
// chats/{conv}/messages/{key}); subscriptions and snapshots are scoped to
// the parent path.
type Store interface {
	// Subscribe opens a live subscription at path. The current snapshot is
	// delivered immediately, then a fresh full snapshot on every change
	// beneath path.
	Subscribe(ctx context.Context, path string) (*Subscription, error)

	// Append stores v under path with a store-assigned key. Keys assigned by
	// concurrent appends sort in creation order.
	Append(ctx context.Context, path string, v any) (string, error)

	// Write replaces the whole record at path (parent/key).
	Write(ctx context.Context, path string, v any) error

	// Remove atomically deletes the subtree rooted at path.
	Remove(ctx context.Context, path string) error

	// Close releases the store. All live subscriptions observe a lost stream.
	Close() error
}

// Subscription is a live view of one subtree. Events carries full snapshots
// in the order the store emits them. The channel is closed either by Close
// (deliberate teardown) or by the store when the stream is lost; consumers
// that did not call Close treat a closed channel as SubscriptionLost.
type Subscription struct {
	id     string
	path   string
	events chan Snapshot
	done   chan struct{}
	once   sync.Once
	cancel func()

	mu     sync.Mutex
	closed bool
}

func newSubscription(id, path string, buffer int, cancel func()) *Subscription {
	return &Subscription{
		id:     id,
		path:   path,
		events: make(chan Snapshot, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the snapshot stream.
func (s *Subscription) Events() <-chan Snapshot { return s.events }

// Path returns the subscribed path.
func (s *Subscription) Path() string { return s.path }

// Close tears down the subscription. Idempotent. After Close returns no
// further snapshots are delivered.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// deliver pushes a snapshot with latest-wins semantics: because every
// snapshot is full state, a queued stale snapshot is replaced rather than
// blocking the publisher on a slow consumer. Delivery after close is a no-op.
func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- snap:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- snap:
		default:
		}
	}
}

// markClosed closes the events channel exactly once. The done channel
// releases any goroutine tied to the subscription's lifetime.
func (s *Subscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.done)
}

// marshalRecord encodes a record value for storage.
func marshalRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

// splitPath separates a record path into its parent path and final key.
func splitPath(path string) (parent, key string, err error) {
	if path == "" {
		return "", "", ErrInvalidPath
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 || i == len(path)-1 {
				return "", "", ErrInvalidPath
			}
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", ErrInvalidPath
}

// isUnder reports whether p equals root or lies beneath it.
func isUnder(p, root string) bool {
	if p == root {
		return true
	}
	return len(p) > len(root) && p[:len(root)] == root && p[len(root)] == '/'
}
