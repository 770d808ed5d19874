// ABOUTME: Tests for the SQLite-backed realtime store
// ABOUTME: Verifies durability across reopen and live snapshot delivery

package rtstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore_AppendAndSubscribe(t *testing.T) {
	st := createTestSQLiteStore(t)
	ctx := context.Background()

	key, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "hi", Timestamp: 5})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	require.Contains(t, snap, key)
}

func TestSQLiteStore_LiveUpdateOnAppend(t *testing.T) {
	st := createTestSQLiteStore(t)
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "users")
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub)

	require.NoError(t, st.Write(ctx, "users/u9", map[string]string{"name": "Nina"}))
	snap := recvSnapshot(t, sub)
	assert.Contains(t, snap, "u9")
}

func TestSQLiteStore_RemoveSubtree(t *testing.T) {
	st := createTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "one"})
	require.NoError(t, err)
	require.NoError(t, st.Remove(ctx, "chats/a_b/messages"))

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, recvSnapshot(t, sub))
}

func TestSQLiteStore_RemoveMatchesPathLiterally(t *testing.T) {
	st := createTestSQLiteStore(t)
	ctx := context.Background()

	// `_` is a LIKE wildcard; a sibling conversation whose id differs only
	// at that position must survive the delete.
	foreign, err := st.Append(ctx, "chats/aXb/messages/thread", testRecord{Text: "keep"})
	require.NoError(t, err)
	_, err = st.Append(ctx, "chats/a_b/messages", testRecord{Text: "gone"})
	require.NoError(t, err)

	require.NoError(t, st.Remove(ctx, "chats/a_b/messages"))

	sub, err := st.Subscribe(ctx, "chats/aXb/messages/thread")
	require.NoError(t, err)
	defer sub.Close()
	snap := recvSnapshot(t, sub)
	require.Len(t, snap, 1)
	assert.Contains(t, snap, foreign)

	gone, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer gone.Close()
	assert.Empty(t, recvSnapshot(t, gone))
}

func TestSQLiteStore_RemoveAncestorNotifiesDescendantSubscribers(t *testing.T) {
	st := createTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "hi"})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, recvSnapshot(t, sub), 1)

	require.NoError(t, st.Remove(ctx, "chats/a_b"))
	assert.Empty(t, recvSnapshot(t, sub))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	key, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "durable", Timestamp: 7})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer st2.Close()

	sub, err := st2.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	require.Contains(t, snap, key)
}
