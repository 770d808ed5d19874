// ABOUTME: Per-conversation live message channel with an ordered local cache
// ABOUTME: Handles subscribe/send/delete and transparent resubscription on loss

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elements-im/chatsync/internal/rtstore"
)

// ErrEmptyMessage rejects a send whose text is empty after trimming.
// Raised before any store call.
var ErrEmptyMessage = errors.New("message text is empty")

// ErrDeleteFailed wraps a failed conversation delete. The local cache is
// left untouched; only a confirming snapshot or an explicit deselect clears
// it.
var ErrDeleteFailed = errors.New("conversation delete failed")

// ErrNoConversation is returned when an operation names an empty
// conversation id.
var ErrNoConversation = errors.New("no conversation id")

// Message is one immutable chat message. Timestamp is the sender's clock at
// send time in unix millis; ID is the store-assigned key.
type Message struct {
	ID         string `json:"-"`
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

// MessagesPath returns the store path of a conversation's message subtree.
func MessagesPath(conversationID string) string {
	return "chats/" + conversationID + "/messages"
}

// Channel maintains the message cache for exactly one active conversation.
// At most one live subscription exists per Channel; Subscribe tears down the
// previous one first. Cache replacement is atomic with respect to readers.
type Channel struct {
	store  rtstore.Store
	logger *slog.Logger

	mu       sync.RWMutex
	convID   string
	sub      *rtstore.Subscription
	messages []Message
	degraded bool
	gen      uint64

	updates chan struct{}
}

// New creates a channel over the given store. Pass nil logger for default.
func New(store rtstore.Store, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		store:   store,
		logger:  logger.With("component", "channel"),
		updates: make(chan struct{}, 1),
	}
}

// Subscribe opens the live subscription for conversationID. Any previous
// subscription is torn down before the new one opens; a Channel never holds
// two live message subscriptions.
func (c *Channel) Subscribe(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	c.Unsubscribe()

	sub, err := c.store.Subscribe(ctx, MessagesPath(conversationID))
	if err != nil {
		return fmt.Errorf("subscribing to conversation: %w", err)
	}

	c.mu.Lock()
	c.convID = conversationID
	c.sub = sub
	c.degraded = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.run(ctx, gen, conversationID, sub)
	c.logger.Debug("subscribed", "conversation", conversationID)
	return nil
}

// run consumes snapshots until the subscription ends, then distinguishes
// deliberate teardown from a lost stream and resubscribes transparently in
// the latter case.
func (c *Channel) run(ctx context.Context, gen uint64, conversationID string, sub *rtstore.Subscription) {
	for snap := range sub.Events() {
		c.apply(gen, snap)
	}

	c.mu.Lock()
	if c.gen != gen || c.sub != sub {
		// Torn down on purpose.
		c.mu.Unlock()
		return
	}
	c.sub = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	newSub, err := c.store.Subscribe(ctx, MessagesPath(conversationID))

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if err == nil {
			newSub.Close()
		}
		return
	}
	if err != nil {
		// Degraded, not dead: the cached view stays readable and the caller
		// can deselect/reselect to recover.
		c.degraded = true
		c.mu.Unlock()
		c.logger.Warn("resubscription failed, channel degraded",
			"conversation", conversationID, "error", err)
		c.signal()
		return
	}
	c.sub = newSub
	c.mu.Unlock()

	c.logger.Info("resubscribed after lost stream", "conversation", conversationID)
	go c.run(ctx, gen, conversationID, newSub)
}

// apply decodes a full snapshot, sorts ascending by timestamp (key order on
// ties), and replaces the cache atomically.
func (c *Channel) apply(gen uint64, snap rtstore.Snapshot) {
	messages := DecodeSnapshot(snap, c.logger)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.messages = messages
	c.mu.Unlock()
	c.signal()
}

// Messages returns the current cached sequence, sorted non-decreasing by
// timestamp.
func (c *Channel) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Conversation returns the currently subscribed conversation id, or "".
func (c *Channel) Conversation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.convID
}

// Degraded reports whether the live stream was lost and resubscription
// failed.
func (c *Channel) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Updates signals (coalesced) whenever the cache or degraded state changes.
func (c *Channel) Updates() <-chan struct{} {
	return c.updates
}

// Send validates and appends a message. The sender sees its own message only
// once it round-trips through the live subscription; there is no optimistic
// local insert.
func (c *Channel) Send(ctx context.Context, conversationID, senderID, receiverID, text string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	msg := Message{
		Text:       text,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if _, err := c.store.Append(ctx, MessagesPath(conversationID), &msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// DeleteConversation atomically removes the conversation's whole message
// subtree. On failure the cache is left untouched and ErrDeleteFailed is
// returned; on success the confirming empty snapshot arrives through the
// live subscription.
func (c *Channel) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if err := c.store.Remove(ctx, MessagesPath(conversationID)); err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteFailed, err)
	}
	return nil
}

// Unsubscribe tears down the live subscription and clears the cached
// sequence (the caller is deselecting). Idempotent; safe when nothing is
// subscribed.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.convID = ""
	c.messages = nil
	c.degraded = false
	c.gen++
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
		c.signal()
	}
}

// signal coalesces update notifications.
func (c *Channel) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// DecodeSnapshot converts a raw message subtree snapshot into the ordered
// message sequence: ascending by timestamp, ties broken by store key order.
func DecodeSnapshot(snap rtstore.Snapshot, logger *slog.Logger) []Message {
	messages := make([]Message, 0, len(snap))
	for _, key := range snap.Keys() {
		var m Message
		if err := json.Unmarshal(snap[key], &m); err != nil {
			if logger != nil {
				logger.Warn("skipping undecodable message", "key", key, "error", err)
			}
			continue
		}
		m.ID = key
		messages = append(messages, m)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})
	return messages
}
