// ABOUTME: Go client for the chatsync websocket gateway
// ABOUTME: Maintains a local mirror of the pushed directory and message state

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elements-im/chatsync/internal/gateway"
	"github.com/elements-im/chatsync/internal/identity"
)

// ErrClosed is returned from commands after the connection has ended.
var ErrClosed = errors.New("client closed")

// ServerError is an error event pushed by the gateway in response to a
// command.
type ServerError struct {
	Code   string
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Detail)
}

// Client connects to a chatsync gateway and mirrors the state it pushes:
// the contact directory, the active peer, and the active conversation's
// messages. All views are full-state replacements, matching the wire
// protocol.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu        sync.RWMutex
	users     []identity.User
	messages  []gateway.Message
	conv      string
	peer      *identity.User
	degraded  bool
	errs      chan ServerError
	updates   chan struct{}
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects and authenticates against baseURL (http:// or ws://
// scheme) with the given bearer token. Pass nil logger for default.
func Dial(ctx context.Context, baseURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = "token=" + url.QueryEscape(token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With("component", "client"),
		errs:    make(chan ServerError, 16),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop applies pushed events until the connection ends.
func (c *Client) readLoop() {
	defer c.markClosed()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		c.apply(ev)
	}
}

// event mirrors the gateway's event frame.
type event struct {
	Type         string            `json:"type"`
	Users        []identity.User   `json:"users"`
	Query        string            `json:"query"`
	Conversation string            `json:"conversation"`
	Messages     []gateway.Message `json:"messages"`
	Peer         *identity.User    `json:"peer"`
	Degraded     bool              `json:"degraded"`
	Error        string            `json:"error"`
	Detail       string            `json:"detail"`
}

func (c *Client) apply(ev event) {
	switch ev.Type {
	case gateway.EventDirectory:
		// Filter responses carry a query; only unfiltered pushes update
		// the mirrored directory.
		if ev.Query != "" {
			return
		}
		c.mu.Lock()
		c.users = ev.Users
		c.mu.Unlock()
	case gateway.EventMessages:
		c.mu.Lock()
		c.conv = ev.Conversation
		c.messages = ev.Messages
		c.mu.Unlock()
	case gateway.EventActivePeer:
		c.mu.Lock()
		c.peer = ev.Peer
		c.mu.Unlock()
	case gateway.EventDegraded:
		c.mu.Lock()
		c.degraded = ev.Degraded
		c.mu.Unlock()
	case gateway.EventError:
		select {
		case c.errs <- ServerError{Code: ev.Error, Detail: ev.Detail}:
		default:
			c.logger.Warn("error queue full, dropping server error", "code", ev.Error)
		}
	default:
		c.logger.Warn("unknown event type", "type", ev.Type)
		return
	}
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// command writes one command frame.
func (c *Client) command(cmd command) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// command mirrors the gateway's command frame.
type command struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Query  string `json:"query,omitempty"`
}

// SelectContact opens the conversation with the given user.
func (c *Client) SelectContact(peerID string) error {
	return c.command(command{Type: gateway.CmdSelectContact, PeerID: peerID})
}

// Send appends text to the active conversation.
func (c *Client) Send(text string) error {
	return c.command(command{Type: gateway.CmdSend, Text: text})
}

// DeleteActive deletes the active conversation.
func (c *Client) DeleteActive() error {
	return c.command(command{Type: gateway.CmdDeleteActive})
}

// Deselect returns to the idle state.
func (c *Client) Deselect() error {
	return c.command(command{Type: gateway.CmdDeselect})
}

// Filter asks for a filtered directory view. The response arrives on the
// event stream and does not replace the mirrored directory.
func (c *Client) Filter(query string) error {
	return c.command(command{Type: gateway.CmdFilter, Query: query})
}

// Users returns the mirrored contact directory.
func (c *Client) Users() []identity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]identity.User, len(c.users))
	copy(out, c.users)
	return out
}

// Messages returns the mirrored active conversation along with its id.
func (c *Client) Messages() (string, []gateway.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]gateway.Message, len(c.messages))
	copy(out, c.messages)
	return c.conv, out
}

// ActivePeer returns the mirrored active peer, or nil when idle.
func (c *Client) ActivePeer() *identity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// Degraded reports the last pushed degraded state.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Updates signals after each applied event. Notifications are coalesced.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

// Errors delivers server error events in arrival order.
func (c *Client) Errors() <-chan ServerError {
	return c.errs
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.markClosed()
	return c.conn.Close()
}
