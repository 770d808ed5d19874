// ABOUTME: Tests for the in-process realtime store
// ABOUTME: Verifies snapshot delivery, subtree removal, and teardown semantics

package rtstore

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func recvSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Events():
		require.True(t, ok, "events channel closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestMemoryStore_SubscribeDeliversInitialSnapshot(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	_, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "hi", Timestamp: 1})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	require.Len(t, snap, 1)
}

func TestMemoryStore_SubscribeEmptyPathYieldsEmptySnapshot(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	sub, err := st.Subscribe(context.Background(), "chats/nothing/messages")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	assert.Empty(t, snap)
}

func TestMemoryStore_AppendNotifiesSubscriber(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub) // initial

	key, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "hello", Timestamp: 42})
	require.NoError(t, err)

	snap := recvSnapshot(t, sub)
	require.Contains(t, snap, key)

	var rec testRecord
	require.NoError(t, json.Unmarshal(snap[key], &rec))
	assert.Equal(t, "hello", rec.Text)
	assert.EqualValues(t, 42, rec.Timestamp)
}

func TestMemoryStore_WriteNotifiesParentSubscriber(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "users")
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub)

	require.NoError(t, st.Write(ctx, "users/u1", map[string]string{"email": "u1@example.com"}))

	snap := recvSnapshot(t, sub)
	require.Contains(t, snap, "u1")
}

func TestMemoryStore_RemoveDeletesWholeSubtree(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	_, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "one"})
	require.NoError(t, err)
	_, err = st.Append(ctx, "chats/a_b/messages", testRecord{Text: "two"})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, recvSnapshot(t, sub), 2)

	require.NoError(t, st.Remove(ctx, "chats/a_b/messages"))
	assert.Empty(t, recvSnapshot(t, sub))
}

func TestMemoryStore_CloseIsALostStream(t *testing.T) {
	st := NewMemoryStore(nil)
	sub, err := st.Subscribe(context.Background(), "users")
	require.NoError(t, err)
	recvSnapshot(t, sub)

	require.NoError(t, st.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "expected closed events channel")
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after store close")
	}
}

func TestMemoryStore_NoDeliveryAfterSubscriptionClose(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	recvSnapshot(t, sub)
	sub.Close()

	_, err = st.Append(ctx, "chats/a_b/messages", testRecord{Text: "late"})
	require.NoError(t, err)

	// Channel is closed; the only observable outcome is the close itself.
	for snap := range sub.Events() {
		assert.Fail(t, "snapshot delivered after close", "%v", snap)
	}
}

func TestMemoryStore_RemoveAncestorNotifiesDescendantSubscribers(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
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

func TestMemoryStore_SubscriptionCloseReleasesWatcher(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		sub, err := st.Subscribe(ctx, "users")
		require.NoError(t, err)
		sub.Close()
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond,
		"context watcher goroutines survived subscription close")
}

func TestMemoryStore_PushKeysSortInAppendOrder(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	var keys []string
	for i := 0; i < 20; i++ {
		key, err := st.Append(ctx, "chats/a_b/messages", testRecord{Text: "m"})
		require.NoError(t, err)
		keys = append(keys, key)
	}

	sub, err := st.Subscribe(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	assert.Equal(t, keys, snap.Keys())
}
