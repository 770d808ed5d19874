// ABOUTME: In-process implementation of the realtime store
// ABOUTME: Backs single-node deployments and tests; no external services

package rtstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryStore keeps all records in process memory. Mutations and snapshot
// fan-out share one lock, so a delivered snapshot is never a partial view of
// a mutation in flight.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte // parent path -> key -> record
	bcast  *broadcaster
	pushID *pushIDGenerator
	closed bool
	logger *slog.Logger
}

// NewMemoryStore creates an empty in-process store. Pass nil logger for the
// default.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		data:   make(map[string]map[string][]byte),
		bcast:  newBroadcaster(logger),
		pushID: newPushIDGenerator(),
		logger: logger.With("component", "rtstore"),
	}
}

// Subscribe opens a live subscription at path, delivering the current
// snapshot immediately.
func (m *MemoryStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub, err := m.bcast.add(path, m.snapshotLocked(path))
	if err != nil {
		return nil, err
	}

	// Tie teardown to the caller's context, matching every subscribe with an
	// unsubscribe even if the caller forgets.
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Append stores v under path with a generated push key.
func (m *MemoryStore) Append(ctx context.Context, path string, v any) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	key := m.pushID.Next()
	if _, ok := m.data[path]; !ok {
		m.data[path] = make(map[string][]byte)
	}
	m.data[path][key] = data
	m.bcast.notify(path, m.snapshotLocked)
	return key, nil
}

// Write replaces the whole record at path.
func (m *MemoryStore) Write(ctx context.Context, path string, v any) error {
	parent, key, err := splitPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.data[parent]; !ok {
		m.data[parent] = make(map[string][]byte)
	}
	m.data[parent][key] = data
	m.bcast.notify(path, m.snapshotLocked)
	return nil
}

// Remove atomically deletes the subtree rooted at path.
func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	// The subtree includes records right at path and at every deeper parent.
	for parent := range m.data {
		if isUnder(parent, path) {
			delete(m.data, parent)
		}
	}
	// A single record addressed directly (parent/key) is also a subtree.
	if parent, key, err := splitPath(path); err == nil {
		if children, ok := m.data[parent]; ok {
			delete(children, key)
		}
	}
	m.bcast.notifyRemoved(path, m.snapshotLocked)
	return nil
}

// Close shuts the store down. Subscribers observe a lost stream.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.bcast.closeAll()
	m.logger.Debug("memory store closed")
	return nil
}

// snapshotLocked materializes the direct children of path. Callers hold mu.
func (m *MemoryStore) snapshotLocked(path string) Snapshot {
	children, ok := m.data[path]
	if !ok || len(children) == 0 {
		return Snapshot{}
	}
	snap := make(Snapshot, len(children))
	for k, v := range children {
		raw := make([]byte, len(v))
		copy(raw, v)
		snap[k] = raw
	}
	return snap
}
