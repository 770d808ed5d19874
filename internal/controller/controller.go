// ABOUTME: Conversation controller: orchestrates directory sync and the message channel
// ABOUTME: Tracks the active peer and exposes the commands the presentation layer invokes

package controller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/elements-im/chatsync/internal/address"
	"github.com/elements-im/chatsync/internal/channel"
	"github.com/elements-im/chatsync/internal/directory"
	"github.com/elements-im/chatsync/internal/identity"
	"github.com/elements-im/chatsync/internal/rtstore"
)

// Session holds one authenticated session's collaborators. It replaces any
// ambient singletons: everything the controller touches arrives through
// here.
type Session struct {
	Self      *identity.User
	Store     rtstore.Store
	Directory *directory.Directory
	Channel   *channel.Channel
}

// NewSession wires a session for the given identity over the given store.
func NewSession(self *identity.User, store rtstore.Store, logger *slog.Logger) *Session {
	return &Session{
		Self:      self,
		Store:     store,
		Directory: directory.New(store, logger),
		Channel:   channel.New(store, logger),
	}
}

// Controller is the state machine over one variable: the active peer.
// Idle (no peer) or Active (one peer, one live message subscription).
// Send and DeleteActive are defensive no-ops while Idle — the presentation
// layer should disable those affordances, but stale calls must not fault.
type Controller struct {
	session *Session
	logger  *slog.Logger

	mu         sync.RWMutex
	activePeer *identity.User
}

// New creates a controller and starts the directory sync for the session's
// identity. Pass nil logger for default.
func New(ctx context.Context, session *Session, logger *slog.Logger) (*Controller, error) {
	if session == nil || session.Self == nil {
		return nil, identity.ErrNoSession
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		session: session,
		logger:  logger.With("component", "controller", "self", session.Self.ID),
	}
	if err := session.Directory.Start(ctx, session.Self.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// SelectContact makes peer the active conversation partner: computes the
// canonical conversation id and re-subscribes the message channel. The
// previous subscription (if any) is torn down before the new one opens.
func (c *Controller) SelectContact(ctx context.Context, peer *identity.User) error {
	if peer == nil {
		return address.ErrInvalidIdentity
	}

	convID, err := address.CanonicalID(c.session.Self.ID, peer.ID)
	if err != nil {
		return err
	}

	if err := c.session.Channel.Subscribe(ctx, convID); err != nil {
		return err
	}

	c.mu.Lock()
	c.activePeer = peer
	c.mu.Unlock()
	c.logger.Debug("contact selected", "peer", peer.ID, "conversation", convID)
	return nil
}

// Send appends text to the active conversation. A no-op when Idle. Empty
// text is rejected before any store call.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.RLock()
	peer := c.activePeer
	c.mu.RUnlock()
	if peer == nil {
		return nil
	}

	convID, err := address.CanonicalID(c.session.Self.ID, peer.ID)
	if err != nil {
		return err
	}
	return c.session.Channel.Send(ctx, convID, c.session.Self.ID, peer.ID, text)
}

// DeleteActive atomically deletes the active conversation's messages. On
// success the controller unsubscribes and returns to Idle; on failure the
// cache and active state are left untouched for a manual retry. A no-op
// when Idle.
func (c *Controller) DeleteActive(ctx context.Context) error {
	c.mu.RLock()
	peer := c.activePeer
	c.mu.RUnlock()
	if peer == nil {
		return nil
	}

	convID, err := address.CanonicalID(c.session.Self.ID, peer.ID)
	if err != nil {
		return err
	}
	if err := c.session.Channel.DeleteConversation(ctx, convID); err != nil {
		return err
	}

	c.Deselect()
	c.logger.Debug("conversation deleted", "conversation", convID)
	return nil
}

// Deselect returns to Idle: unsubscribes first, then clears the active
// peer. Idempotent.
func (c *Controller) Deselect() {
	c.session.Channel.Unsubscribe()
	c.mu.Lock()
	c.activePeer = nil
	c.mu.Unlock()
}

// FilterDirectory returns contacts matching query (case-insensitive
// substring on name or email); empty query returns the full directory.
func (c *Controller) FilterDirectory(query string) []identity.User {
	return c.session.Directory.Search(query)
}

// ActivePeer returns the current conversation partner, or nil when Idle.
func (c *Controller) ActivePeer() *identity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activePeer
}

// Messages returns the active conversation's cached sequence, ordered by
// timestamp. Empty when Idle.
func (c *Controller) Messages() []channel.Message {
	return c.session.Channel.Messages()
}

// Directory returns the full contact list.
func (c *Controller) Directory() []identity.User {
	return c.session.Directory.Users()
}

// Degraded reports whether the live message stream is in degraded state.
func (c *Controller) Degraded() bool {
	return c.session.Channel.Degraded()
}

// Close ends the session: tears down the message subscription and the
// directory sync. Must be called when the session ends; the subscriptions
// leak otherwise.
func (c *Controller) Close() {
	c.Deselect()
	c.session.Directory.Stop()
	c.logger.Debug("controller closed")
}
