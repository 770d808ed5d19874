// ABOUTME: Tests for the live user directory
// ABOUTME: Verifies self-filtering, search semantics, and stop behavior

package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elements-im/chatsync/internal/identity"
	"github.com/elements-im/chatsync/internal/rtstore"
)

func registerUser(t *testing.T, st rtstore.Store, id, name, email string) {
	t.Helper()
	err := identity.Register(context.Background(), st, &identity.User{ID: id, Name: name, Email: email})
	require.NoError(t, err)
}

func waitForUsers(t *testing.T, d *Directory, want int) []identity.User {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		users := d.Users()
		if len(users) == want {
			return users
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("directory never reached %d users (have %d)", want, len(d.Users()))
	return nil
}

func TestDirectory_MirrorsRegistryExcludingSelf(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	registerUser(t, st, "u1", "Alice", "alice@example.com")
	registerUser(t, st, "u2", "Bob", "bob@example.com")
	registerUser(t, st, "u3", "Carol", "carol@example.com")

	d := New(st, nil)
	require.NoError(t, d.Start(context.Background(), "u1"))
	defer d.Stop()

	users := waitForUsers(t, d, 2)
	for _, u := range users {
		assert.NotEqual(t, "u1", u.ID)
	}
}

func TestDirectory_EmptyBeforeFirstSnapshot(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	d := New(st, nil)
	assert.Empty(t, d.Users())
	assert.Empty(t, d.Search("anything"))
}

func TestDirectory_PicksUpNewRegistrationsLive(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	d := New(st, nil)
	require.NoError(t, d.Start(context.Background(), "self"))
	defer d.Stop()

	registerUser(t, st, "u5", "Eve", "eve@example.com")
	users := waitForUsers(t, d, 1)
	assert.Equal(t, "u5", users[0].ID)
}

func TestDirectory_SearchCaseInsensitiveNameOrEmail(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	registerUser(t, st, "u1", "Alice", "alice@example.com")
	registerUser(t, st, "u2", "Bob", "bob@wonder.org")

	d := New(st, nil)
	require.NoError(t, d.Start(context.Background(), "self"))
	defer d.Stop()
	waitForUsers(t, d, 2)

	byName := d.Search("AL")
	require.Len(t, byName, 1)
	assert.Equal(t, "Alice", byName[0].Name)

	byEmail := d.Search("WONDER")
	require.Len(t, byEmail, 1)
	assert.Equal(t, "Bob", byEmail[0].Name)

	assert.Len(t, d.Search(""), 2)
	assert.Empty(t, d.Search("zz"))
}

func TestDirectory_StopFreezesView(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	registerUser(t, st, "u1", "Alice", "alice@example.com")

	d := New(st, nil)
	require.NoError(t, d.Start(context.Background(), "self"))
	waitForUsers(t, d, 1)
	d.Stop()

	registerUser(t, st, "u2", "Bob", "bob@example.com")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, d.Users(), 1)
}

func TestDirectory_StopIsIdempotent(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()

	d := New(st, nil)
	require.NoError(t, d.Start(context.Background(), "self"))
	d.Stop()
	d.Stop()
}

func TestDirectory_RestartFiltersNewSelf(t *testing.T) {
	st := rtstore.NewMemoryStore(nil)
	defer st.Close()
	ctx := context.Background()

	registerUser(t, st, "u1", "Alice", "alice@example.com")
	registerUser(t, st, "u2", "Bob", "bob@example.com")
	registerUser(t, st, "u3", "Carol", "carol@example.com")

	d := New(st, nil)
	require.NoError(t, d.Start(ctx, "u1"))
	waitForUsers(t, d, 2)
	d.Stop()

	require.NoError(t, d.Start(ctx, "u2"))
	defer d.Stop()
	for _, u := range waitForUsers(t, d, 2) {
		assert.NotEqual(t, "u2", u.ID)
	}

	// A snapshot still in flight from a subscription that is no longer the
	// directory's own must be dropped, not applied with the wrong filter.
	stale, err := st.Subscribe(ctx, identity.UsersPath)
	require.NoError(t, err)
	defer stale.Close()
	d.apply(stale, <-stale.Events())

	for _, u := range d.Users() {
		assert.NotEqual(t, "u2", u.ID)
	}
}
