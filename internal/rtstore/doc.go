// Package rtstore implements the path-addressed hierarchical key-value
// realtime store that the synchronization core writes through and listens
// on.
//
// # Model
//
// Records live one level beneath a parent path:
//
//	users/{identityId}                      registry records
//	chats/{canonicalId}/messages/{key}      conversation messages
//
// A Subscription at a parent path delivers full Snapshots: the complete set
// of direct children after every change beneath that path. Snapshots are
// authoritative full state, never diffs, so a consumer always replaces its
// cache wholesale.
//
// # Keys
//
// Append assigns push IDs: 20-character keys whose lexicographic order is
// creation order. This is what makes "tie-break by key order" a creation
// order when message timestamps collide.
//
// # Backends
//
//   - MemoryStore: in-process, for tests and single-node sessions
//   - SQLiteStore: durable single-node storage (modernc.org/sqlite)
//   - RedisStore: shared cross-process storage with Pub/Sub change signals
//
// All three deliver identical subscription semantics: immediate initial
// snapshot, latest-wins delivery for slow consumers, idempotent Close, and
// a closed events channel (without Close) as the lost-stream signal.
package rtstore
