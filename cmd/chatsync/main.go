// ABOUTME: Entry point for the chatsync realtime conversation server
// ABOUTME: Subcommands: serve, init, health, token

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/elements-im/chatsync/internal/config"
	"github.com/elements-im/chatsync/internal/gateway"
	"github.com/elements-im/chatsync/internal/identity"
	"github.com/elements-im/chatsync/internal/rtstore"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        _           _
   ___| |__   __ _| |_ ___ _   _ _ __   ___
  / __| '_ \ / _' | __/ __| | | | '_ \ / __|
 | (__| | | | (_| | |_\__ \ |_| | | | | (__
  \___|_| |_|\__,_|\__|___/\__, |_| |_|\___|
                           |___/
`

// getConfigPath returns the path to the chatsync config file.
// Priority: CHATSYNC_CONFIG env var > XDG_CONFIG_HOME/chatsync/chatsync.yaml > ~/.config/chatsync/chatsync.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatsync.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatsync", "chatsync.yaml")
}

// getDataPath returns the path to the chatsync data directory.
// Priority: XDG_DATA_HOME/chatsync > ~/.local/share/chatsync
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chatsync")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the conversation server")
		fmt.Println("  init                     Create a new config file interactively")
		fmt.Println("  health                   Check server health")
		fmt.Println("  token --id ID [flags]    Mint a client token for the given identity")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:   %s\n", cfg.Store.Backend)
	fmt.Println()

	logger.Info("starting chatsync",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Backend,
	)

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	gw, err := gateway.New(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// buildStore creates the realtime store configured in store.backend.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rtstore.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return rtstore.NewMemoryStore(logger), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return rtstore.NewSQLiteStore(cfg.Store.SQLitePath, logger)
	case config.BackendRedis:
		return rtstore.NewRedisStore(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPass, cfg.Store.RedisDB, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler renders compact colorized log lines for terminal sessions.
// Writes are serialized so concurrent component loggers never interleave
// within a line.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	buf.WriteString(levelTag(r.Level))
	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})

	buf.WriteByte('\n')
	fmt.Print(buf.String())
	return nil
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR ")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN ")
	case l >= slog.LevelInfo:
		return color.CyanString("INF ")
	default:
		return color.MagentaString("DBG ")
	}
}

func writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(color.HiBlackString(" " + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

// WithGroup is accepted but not rendered; the terminal format stays flat.
func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a signed client token using the configured secret. Meant
// for development and first-run setup; production tokens come from the
// real identity provider.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	id := fs.String("id", "", "user id (required)")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email address")
	photo := fs.String("photo", "", "avatar URL")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := identity.NewTokenVerifier(cfg.Auth.JWTSecret)
	token, err := verifier.MintWithTTL(&identity.User{
		ID:       *id,
		Name:     *name,
		Email:    *email,
		PhotoURL: *photo,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("chatsync configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDBPath := filepath.Join(defaultDataPath, "chatsync.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	httpAddr := prompt(reader, "HTTP listen address", "127.0.0.1:8420")
	backend := prompt(reader, "Store backend (memory/sqlite/redis)", config.BackendSQLite)

	var sqlitePath, redisAddr string
	switch backend {
	case config.BackendSQLite:
		sqlitePath = prompt(reader, "SQLite database path", defaultDBPath)
	case config.BackendRedis:
		redisAddr = prompt(reader, "Redis address", "127.0.0.1:6379")
	}

	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "server:\n  http_addr: %q\n\n", httpAddr)
	fmt.Fprintf(&b, "store:\n  backend: %q\n", backend)
	if sqlitePath != "" {
		fmt.Fprintf(&b, "  sqlite_path: %q\n", sqlitePath)
	}
	if redisAddr != "" {
		fmt.Fprintf(&b, "  redis_addr: %q\n", redisAddr)
	}
	fmt.Fprintf(&b, "\nauth:\n  jwt_secret: %q\n\n", secret)
	fmt.Fprintf(&b, "logging:\n  level: info\n  format: text\n\n")
	fmt.Fprintf(&b, "limits:\n  send_rate: 5\n  send_burst: 10\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ ")
	fmt.Printf("Wrote %s\n", outputFile)
	fmt.Println()
	fmt.Println("Next: run `chatsync serve`, then mint a client token with `chatsync token --id <uid>`.")
	return nil
}

func prompt(reader *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	line, err := reader.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
