// ABOUTME: One websocket connection: command dispatch and event push loops
// ABOUTME: Bridges the conversation controller's state onto wire frames

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/elements-im/chatsync/internal/channel"
	"github.com/elements-im/chatsync/internal/controller"
	"github.com/elements-im/chatsync/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 64 * 1024
	sendQueueDepth = 64
)

// wsSession owns one authenticated connection. The read loop handles
// commands one at a time; the event loop pushes full-state frames whenever
// the controller's view changes.
type wsSession struct {
	id      string
	gw      *Gateway
	conn    *websocket.Conn
	session *controller.Session
	ctrl    *controller.Controller
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan eventFrame

	lastDegraded bool
}

func newWSSession(g *Gateway, conn *websocket.Conn, user *identity.User) (*wsSession, error) {
	ctx, cancel := context.WithCancel(g.baseCtx)

	session := controller.NewSession(user, g.store, g.logger)
	ctrl, err := controller.New(ctx, session, g.logger)
	if err != nil {
		cancel()
		return nil, err
	}

	id := uuid.New().String()
	return &wsSession{
		id:      id,
		gw:      g,
		conn:    conn,
		session: session,
		ctrl:    ctrl,
		limiter: rate.NewLimiter(rate.Limit(g.config.Limits.SendRate), g.config.Limits.SendBurst),
		logger:  g.logger.With("session", id, "user", user.ID),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan eventFrame, sendQueueDepth),
	}, nil
}

// run blocks until the connection ends, then releases the controller.
func (s *wsSession) run() {
	defer func() {
		s.cancel()
		s.ctrl.Close()
		_ = s.conn.Close()
	}()

	go s.writeLoop()
	go s.eventLoop()

	// Initial view so the client renders without waiting for a change.
	s.pushDirectory("")

	s.readLoop()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection ended unexpectedly", "error", err)
			}
			return
		}

		var cmd commandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.pushError(ErrCodeBadFrame, "frame is not valid JSON")
			continue
		}
		s.handle(cmd)
	}
}

// handle executes one command. Commands are processed in arrival order;
// a long store call simply delays the next command on this connection.
func (s *wsSession) handle(cmd commandFrame) {
	switch cmd.Type {
	case CmdSelectContact:
		s.handleSelect(cmd.PeerID)
	case CmdSend:
		s.handleSend(cmd.Text)
	case CmdDeleteActive:
		s.handleDelete()
	case CmdDeselect:
		s.ctrl.Deselect()
		s.pushActivePeer()
	case CmdFilter:
		s.enqueue(eventFrame{
			Type:  EventDirectory,
			Query: cmd.Query,
			Users: s.ctrl.FilterDirectory(cmd.Query),
		})
	default:
		s.pushError(ErrCodeUnknownCommand, "unknown command type: "+cmd.Type)
	}
}

func (s *wsSession) handleSelect(peerID string) {
	var peer *identity.User
	for _, u := range s.ctrl.Directory() {
		if u.ID == peerID {
			peer = &u
			break
		}
	}
	if peer == nil {
		s.pushError(ErrCodeUnknownContact, "no such contact: "+peerID)
		return
	}

	if err := s.ctrl.SelectContact(s.ctx, peer); err != nil {
		s.logger.Error("select contact failed", "peer", peerID, "error", err)
		s.pushError(ErrCodeInternal, "could not open conversation")
		return
	}
	s.pushActivePeer()
}

func (s *wsSession) handleSend(text string) {
	if !s.limiter.Allow() {
		s.pushError(ErrCodeRateLimited, "sending too fast")
		return
	}

	err := s.ctrl.Send(s.ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrEmptyMessage):
		s.pushError(ErrCodeEmptyMessage, "message text is empty")
	default:
		s.logger.Error("send failed", "error", err)
		s.pushError(ErrCodeInternal, "could not send message")
	}
}

func (s *wsSession) handleDelete() {
	err := s.ctrl.DeleteActive(s.ctx)
	switch {
	case err == nil:
		s.pushActivePeer()
	case errors.Is(err, channel.ErrDeleteFailed):
		s.pushError(ErrCodeDeleteFailed, "conversation delete failed, try again")
	default:
		s.logger.Error("delete failed", "error", err)
		s.pushError(ErrCodeInternal, "could not delete conversation")
	}
}

// eventLoop turns controller state changes into pushed frames.
func (s *wsSession) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.session.Channel.Updates():
			s.pushMessages()
		case <-s.session.Directory.Updates():
			s.pushDirectory("")
		}
	}
}

func (s *wsSession) pushDirectory(query string) {
	s.enqueue(eventFrame{
		Type:  EventDirectory,
		Users: s.ctrl.FilterDirectory(query),
	})
}

func (s *wsSession) pushMessages() {
	s.enqueue(eventFrame{
		Type:         EventMessages,
		Conversation: s.session.Channel.Conversation(),
		Messages:     toWireMessages(s.ctrl.Messages()),
	})

	if deg := s.ctrl.Degraded(); deg != s.lastDegraded {
		s.lastDegraded = deg
		s.enqueue(eventFrame{Type: EventDegraded, Degraded: deg})
	}
}

func (s *wsSession) pushActivePeer() {
	s.enqueue(eventFrame{
		Type: EventActivePeer,
		Peer: s.ctrl.ActivePeer(),
	})
}

func (s *wsSession) pushError(code, detail string) {
	s.enqueue(eventFrame{Type: EventError, Error: code, Detail: detail})
}

// enqueue never blocks the caller. Frames carry full state, so a dropped
// frame is superseded by the next one for that view.
func (s *wsSession) enqueue(frame eventFrame) {
	select {
	case s.send <- frame:
	default:
		s.logger.Warn("send queue full, dropping frame", "type", frame.Type)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			// Unblock the read loop if the peer never answers the close.
			_ = s.conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn("write failed, closing connection", "error", err)
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}
