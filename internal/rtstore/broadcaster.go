// ABOUTME: In-memory fan-out of subtree snapshots to path-scoped subscribers
// ABOUTME: Shared by the memory and sqlite backends for change notification

package rtstore

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// snapshotFunc materializes the current snapshot for a subscribed path.
type snapshotFunc func(path string) Snapshot

// broadcaster tracks live subscriptions by path and fans out fresh snapshots
// whenever a mutation lands at or beneath a subscribed path.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // path -> subID -> sub
	closed bool
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &broadcaster{
		subs:   make(map[string]map[string]*Subscription),
		logger: logger.With("component", "broadcaster"),
	}
}

// add registers a subscription for path and returns it. The initial snapshot
// is queued before the subscription becomes visible to publishers, so the
// first event a consumer sees is always the state at subscribe time.
func (b *broadcaster) add(path string, initial Snapshot) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subID := uuid.New().String()
	sub := newSubscription(subID, path, 1, nil)
	sub.cancel = func() { b.remove(path, subID) }
	sub.deliver(initial)

	if _, ok := b.subs[path]; !ok {
		b.subs[path] = make(map[string]*Subscription)
	}
	b.subs[path][subID] = sub

	b.logger.Debug("subscriber added", "path", path, "sub_id", subID)
	return sub, nil
}

// remove unregisters a subscription and closes its events channel. The close
// happens under the write lock, so publishers never send on a closed channel.
func (b *broadcaster) remove(path, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[path]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	sub.markClosed()
	if len(subs) == 0 {
		delete(b.subs, path)
	}
	b.logger.Debug("subscriber removed", "path", path, "sub_id", subID)
}

// notify fans out snapshots to every subscription whose path is the changed
// path or an ancestor of it. Sends happen under the read lock; deliver is
// non-blocking (latest-wins), so slow consumers never stall a writer.
func (b *broadcaster) notify(changedPath string, snap snapshotFunc) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for path, subs := range b.subs {
		if !isUnder(changedPath, path) {
			continue
		}
		current := snap(path)
		for _, sub := range subs {
			sub.deliver(current)
		}
	}
}

// notifyRemoved fans out after a subtree delete rooted at root. Unlike
// notify, subscriptions beneath the root are included too: their whole
// subtree is gone and they must observe the empty state.
func (b *broadcaster) notifyRemoved(root string, snap snapshotFunc) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for path, subs := range b.subs {
		if !isUnder(root, path) && !isUnder(path, root) {
			continue
		}
		current := snap(path)
		for _, sub := range subs {
			sub.deliver(current)
		}
	}
}

// closeAll closes every subscription channel without the subscriptions'
// Close having been called: consumers observe a lost stream.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for path, subs := range b.subs {
		for subID, sub := range subs {
			sub.markClosed()
			delete(subs, subID)
		}
		delete(b.subs, path)
	}
	b.logger.Debug("broadcaster closed")
}
