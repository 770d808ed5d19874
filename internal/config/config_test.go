// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

store:
  backend: "sqlite"
  sqlite_path: "./chat.db"

auth:
  jwt_secret: "test-secret"

logging:
  level: "debug"
  format: "json"

limits:
  send_rate: 2
  send_burst: 4
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, BackendSQLite)
	}
	if cfg.Store.SQLitePath != "./chat.db" {
		t.Errorf("Store.SQLitePath = %q, want %q", cfg.Store.SQLitePath, "./chat.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Limits.SendRate != 2 {
		t.Errorf("Limits.SendRate = %v, want 2", cfg.Limits.SendRate)
	}
	if cfg.Limits.SendBurst != 4 {
		t.Errorf("Limits.SendBurst = %v, want 4", cfg.Limits.SendBurst)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Store.Backend = %q, want default %q", cfg.Store.Backend, BackendMemory)
	}
	if cfg.Limits.SendRate != 5 {
		t.Errorf("Limits.SendRate = %v, want default 5", cfg.Limits.SendRate)
	}
	if cfg.Limits.SendBurst != 10 {
		t.Errorf("Limits.SendBurst = %v, want default 10", cfg.Limits.SendBurst)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_SECRET", "from-env")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "${CHATSYNC_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "auth:\n  jwt_secret: s\n",
			wantErr: "http_addr",
		},
		{
			name:    "missing jwt secret",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "jwt_secret",
		},
		{
			name:    "unknown backend",
			content: "server:\n  http_addr: \":8080\"\nauth:\n  jwt_secret: s\nstore:\n  backend: etcd\n",
			wantErr: "store.backend",
		},
		{
			name:    "sqlite without path",
			content: "server:\n  http_addr: \":8080\"\nauth:\n  jwt_secret: s\nstore:\n  backend: sqlite\n",
			wantErr: "sqlite_path",
		},
		{
			name:    "redis without addr",
			content: "server:\n  http_addr: \":8080\"\nauth:\n  jwt_secret: s\nstore:\n  backend: redis\n",
			wantErr: "redis_addr",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("Load() expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
