// ABOUTME: Tests for the Redis-backed realtime store
// ABOUTME: Skipped unless REDIS_ADDR points at a reachable server

package rtstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewRedisStore(context.Background(), addr, "", 15, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testPath(t *testing.T) string {
	return fmt.Sprintf("test/%s/%d/messages", t.Name(), time.Now().UnixNano())
}

func TestRedisStore_AppendAndSubscribe(t *testing.T) {
	st := createTestRedisStore(t)
	ctx := context.Background()
	path := testPath(t)
	defer st.Remove(ctx, path)

	key, err := st.Append(ctx, path, testRecord{Text: "hi", Timestamp: 3})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, path)
	require.NoError(t, err)
	defer sub.Close()

	snap := recvSnapshot(t, sub)
	require.Contains(t, snap, key)
}

func TestRedisStore_LiveUpdateOnAppend(t *testing.T) {
	st := createTestRedisStore(t)
	ctx := context.Background()
	path := testPath(t)
	defer st.Remove(ctx, path)

	sub, err := st.Subscribe(ctx, path)
	require.NoError(t, err)
	defer sub.Close()
	recvSnapshot(t, sub)

	key, err := st.Append(ctx, path, testRecord{Text: "live"})
	require.NoError(t, err)

	snap := recvSnapshot(t, sub)
	assert.Contains(t, snap, key)
}

func TestRedisStore_RemoveDeliversEmptySnapshot(t *testing.T) {
	st := createTestRedisStore(t)
	ctx := context.Background()
	path := testPath(t)

	_, err := st.Append(ctx, path, testRecord{Text: "gone"})
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, path)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, recvSnapshot(t, sub), 1)

	require.NoError(t, st.Remove(ctx, path))
	assert.Empty(t, recvSnapshot(t, sub))
}
