// ABOUTME: Identity provider collaborator: authenticated user profiles and sessions
// ABOUTME: Defines the User record and the Provider interface the core consumes

package identity

import (
	"context"
	"errors"
	"time"

	"github.com/elements-im/chatsync/internal/rtstore"
)

// ErrNoSession is returned when no authenticated identity is present.
// The core refuses all channel operations without a session.
var ErrNoSession = errors.New("no authenticated session")

// UsersPath is the registry root in the realtime store.
const UsersPath = "users"

// User is one identity's profile record as stored in the registry.
// Written by the identity collaborator on sign-in; read-only to the core.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoURL,omitempty"`
	LastSeen int64  `json:"lastSeen"` // unix millis
}

// Provider supplies the current authenticated identity.
type Provider interface {
	// Current returns the signed-in user, or ErrNoSession.
	Current() (*User, error)
	// SignOut ends the session. Current returns ErrNoSession afterwards.
	SignOut()
}

// StaticProvider holds a fixed identity for the lifetime of a session.
// Used by tests and by single-user local sessions.
type StaticProvider struct {
	user *User
}

// NewStaticProvider creates a provider around a fixed user.
func NewStaticProvider(user *User) *StaticProvider {
	return &StaticProvider{user: user}
}

func (p *StaticProvider) Current() (*User, error) {
	if p.user == nil {
		return nil, ErrNoSession
	}
	return p.user, nil
}

func (p *StaticProvider) SignOut() {
	p.user = nil
}

// Register upserts the user's registry record at users/{id}, stamping
// LastSeen with the current time. Called on sign-in, before the core starts
// syncing; the directory picks the record up through its registry
// subscription.
func Register(ctx context.Context, store rtstore.Store, user *User) error {
	if user == nil || user.ID == "" {
		return ErrNoSession
	}
	record := *user
	record.LastSeen = time.Now().UnixMilli()
	return store.Write(ctx, UsersPath+"/"+record.ID, &record)
}
