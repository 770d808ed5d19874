// ABOUTME: Websocket gateway exposing the conversation controller to clients
// ABOUTME: Handles auth, registry upsert, per-connection sessions, and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elements-im/chatsync/internal/config"
	"github.com/elements-im/chatsync/internal/identity"
	"github.com/elements-im/chatsync/internal/rtstore"
)

// Gateway serves the websocket endpoint and health check over HTTP. One
// authenticated websocket connection corresponds to one controller session.
type Gateway struct {
	config   *config.Config
	store    rtstore.Store
	verifier *identity.TokenVerifier
	logger   *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
	cancel   context.CancelFunc
	baseCtx  context.Context
	wg       sync.WaitGroup
}

// New creates a gateway over the given store. Pass nil logger for default.
func New(cfg *config.Config, store rtstore.Store, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   cfg,
		store:    store,
		verifier: identity.NewTokenVerifier(cfg.Auth.JWTSecret),
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts first-party clients only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*wsSession),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops accepting connections, tears down all live sessions, and
// waits for them to finish or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	err := g.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached with sessions still closing")
	}
	return err
}

// Handler exposes the gateway's HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS authenticates the bearer token, upserts the registry record, and
// hands the connection to a session.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	user, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("websocket auth failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Sign-in upsert: the registry record is refreshed on every connect.
	if err := identity.Register(r.Context(), g.store, user); err != nil {
		g.logger.Error("registry upsert failed", "error", err, "user", user.ID)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess, err := newWSSession(g, conn, user)
	if err != nil {
		g.logger.Error("session setup failed", "error", err, "user", user.ID)
		_ = conn.Close()
		return
	}

	g.mu.Lock()
	g.sessions[sess.id] = sess
	g.mu.Unlock()
	g.wg.Add(1)

	g.logger.Info("session opened", "user", user.ID, "session", sess.id)
	go func() {
		defer g.wg.Done()
		sess.run()
		g.mu.Lock()
		delete(g.sessions, sess.id)
		g.mu.Unlock()
		g.logger.Info("session closed", "user", user.ID, "session", sess.id)
	}()
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
