// ABOUTME: Wire frames exchanged over the websocket between client and gateway
// ABOUTME: Commands flow client-to-server, events flow server-to-client

package gateway

import (
	"github.com/elements-im/chatsync/internal/channel"
	"github.com/elements-im/chatsync/internal/identity"
)

// Command types accepted from clients.
const (
	CmdSelectContact = "select_contact"
	CmdSend          = "send"
	CmdDeleteActive  = "delete_active"
	CmdDeselect      = "deselect"
	CmdFilter        = "filter"
)

// Event types pushed to clients.
const (
	EventDirectory  = "directory"
	EventMessages   = "messages"
	EventActivePeer = "active_peer"
	EventDegraded   = "degraded"
	EventError      = "error"
)

// Error codes carried in error events.
const (
	ErrCodeBadFrame       = "bad_frame"
	ErrCodeUnknownCommand = "unknown_command"
	ErrCodeUnknownContact = "unknown_contact"
	ErrCodeEmptyMessage   = "empty_message"
	ErrCodeDeleteFailed   = "delete_failed"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal"
)

// commandFrame is one client request. Only the fields the command type
// needs are set.
type commandFrame struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Query  string `json:"query,omitempty"`
}

// eventFrame is one server push. Directory and messages events carry the
// full current state, never deltas; the client replaces its view wholesale.
type eventFrame struct {
	Type         string         `json:"type"`
	Users        []identity.User `json:"users,omitempty"`
	Query        string         `json:"query,omitempty"`
	Conversation string         `json:"conversation,omitempty"`
	Messages     []Message      `json:"messages,omitempty"`
	Peer         *identity.User `json:"peer,omitempty"`
	Degraded     bool           `json:"degraded,omitempty"`
	Error        string         `json:"error,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

// Message is a conversation message on the wire, with its store key
// surfaced as id.
type Message struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

func toWireMessages(msgs []channel.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{
			ID:         m.ID,
			Text:       m.Text,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Timestamp:  m.Timestamp,
		}
	}
	return out
}
