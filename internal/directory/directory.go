// ABOUTME: Live mirror of the user registry, excluding the current identity
// ABOUTME: Backs the contact list and its case-insensitive search

package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/elements-im/chatsync/internal/identity"
	"github.com/elements-im/chatsync/internal/rtstore"
)

// Directory keeps a locally cached view of all registered users except the
// current identity, continuously updated from a registry subscription.
// Before the first snapshot arrives the view is empty; that is normal
// startup state, not an error.
type Directory struct {
	store  rtstore.Store
	logger *slog.Logger

	mu     sync.RWMutex
	users  []identity.User
	sub    *rtstore.Subscription
	selfID string

	updates chan struct{}
}

// New creates a directory over the given store. Pass nil logger for default.
func New(store rtstore.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:   store,
		logger:  logger.With("component", "directory"),
		updates: make(chan struct{}, 1),
	}
}

// Start opens the registry subscription and keeps the cached view current
// until Stop. Each snapshot replaces the cache wholesale, with records
// belonging to selfID filtered out.
func (d *Directory) Start(ctx context.Context, selfID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil // already running
	}

	sub, err := d.store.Subscribe(ctx, identity.UsersPath)
	if err != nil {
		return err
	}
	d.sub = sub
	d.selfID = selfID

	go d.run(sub)
	return nil
}

// run consumes registry snapshots until the subscription ends.
func (d *Directory) run(sub *rtstore.Subscription) {
	for snap := range sub.Events() {
		d.apply(sub, snap)
	}
}

// apply decodes a full registry snapshot into the cached view. The self
// filter and the swap happen under the lock, against the subscription that
// delivered the snapshot: a stale snapshot racing a Stop/Start cycle is
// dropped rather than applied with the wrong self id.
func (d *Directory) apply(sub *rtstore.Subscription, snap rtstore.Snapshot) {
	decoded := make([]identity.User, 0, len(snap))
	for _, key := range snap.Keys() {
		var u identity.User
		if err := json.Unmarshal(snap[key], &u); err != nil {
			d.logger.Warn("skipping undecodable registry record", "key", key, "error", err)
			continue
		}
		if u.ID == "" {
			u.ID = key
		}
		decoded = append(decoded, u)
	}

	d.mu.Lock()
	if d.sub != sub {
		// Stopped (or restarted) while this snapshot was in flight; drop it.
		d.mu.Unlock()
		return
	}
	users := decoded[:0]
	for _, u := range decoded {
		if u.ID == d.selfID {
			continue
		}
		users = append(users, u)
	}
	d.users = users
	d.mu.Unlock()
	d.signal()
	d.logger.Debug("directory updated", "users", len(users))
}

// signal coalesces change notifications into the updates channel.
func (d *Directory) signal() {
	select {
	case d.updates <- struct{}{}:
	default:
	}
}

// Updates signals after each applied registry snapshot. Notifications are
// coalesced; read the view with Users or Search after receiving one.
func (d *Directory) Updates() <-chan struct{} {
	return d.updates
}

// Users returns the current view.
func (d *Directory) Users() []identity.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]identity.User, len(d.users))
	copy(out, d.users)
	return out
}

// Search returns users whose name or email contains query, case-insensitive.
// An empty query returns the full current view. Ordering follows the
// directory's internal order.
func (d *Directory) Search(query string) []identity.User {
	query = strings.ToLower(query)
	if query == "" {
		return d.Users()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []identity.User
	for _, u := range d.users {
		if strings.Contains(strings.ToLower(u.Name), query) ||
			strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
		}
	}
	return out
}

// Stop releases the registry subscription. No further cache updates are
// applied after Stop returns. Idempotent.
func (d *Directory) Stop() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}
