// ABOUTME: SQLite-backed implementation of the realtime store using modernc.org/sqlite
// ABOUTME: Durable records with in-process snapshot fan-out and schema-on-open

package rtstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in SQLite while retaining live snapshot
// delivery through an in-process broadcaster. State survives restarts;
// subscriptions do not (they are session-scoped by design).
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	bcast  *broadcaster
	pushID *pushIDGenerator
	closed bool
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the store at path. Parent directories
// are created if needed and the schema is applied on open.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rtstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers live while a writer commits
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		bcast:  newBroadcaster(logger),
		pushID: newPushIDGenerator(),
		logger: logger,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			parent TEXT NOT NULL,
			key    TEXT NOT NULL,
			value  TEXT NOT NULL,
			PRIMARY KEY (parent, key)
		);

		CREATE INDEX IF NOT EXISTS idx_records_parent ON records(parent);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Subscribe opens a live subscription at path, delivering the current
// snapshot immediately.
func (s *SQLiteStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	initial, err := s.snapshot(ctx, path)
	if err != nil {
		return nil, err
	}
	sub, err := s.bcast.add(path, initial)
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Append stores v under path with a generated push key.
func (s *SQLiteStore) Append(ctx context.Context, path string, v any) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	data, err := marshalRecord(v)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	key := s.pushID.Next()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (parent, key, value) VALUES (?, ?, ?)`,
		path, key, string(data)); err != nil {
		return "", fmt.Errorf("appending record: %w", err)
	}
	s.notifyLocked(ctx, path)
	return key, nil
}

// Write replaces the whole record at path.
func (s *SQLiteStore) Write(ctx context.Context, path string, v any) error {
	parent, key, err := splitPath(path)
	if err != nil {
		return err
	}
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (parent, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (parent, key) DO UPDATE SET value = excluded.value`,
		parent, key, string(data)); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	s.notifyLocked(ctx, path)
	return nil
}

// Remove atomically deletes the subtree rooted at path.
func (s *SQLiteStore) Remove(ctx context.Context, path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("removing subtree: %w", err)
	}
	// Conversation ids contain `_`, a LIKE wildcard; match the prefix
	// literally.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE parent = ? OR parent LIKE ? ESCAPE '\'`,
		path, escapeLike(path)+"/%"); err != nil {
		tx.Rollback()
		return fmt.Errorf("removing subtree: %w", err)
	}
	if parent, key, perr := splitPath(path); perr == nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE parent = ? AND key = ?`, parent, key); err != nil {
			tx.Rollback()
			return fmt.Errorf("removing record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("removing subtree: %w", err)
	}
	s.bcast.notifyRemoved(path, s.snapshotFunc(ctx))
	return nil
}

// escapeLike escapes LIKE wildcards so every path character matches
// literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Close shuts the store down. Subscribers observe a lost stream.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.bcast.closeAll()
	return s.db.Close()
}

// notifyLocked fans out fresh snapshots after a committed mutation. Snapshot
// reads that fail are logged and skipped rather than crashing the writer.
func (s *SQLiteStore) notifyLocked(ctx context.Context, changedPath string) {
	s.bcast.notify(changedPath, s.snapshotFunc(ctx))
}

func (s *SQLiteStore) snapshotFunc(ctx context.Context) snapshotFunc {
	return func(p string) Snapshot {
		snap, err := s.snapshot(ctx, p)
		if err != nil {
			s.logger.Error("snapshot read failed", "path", p, "error", err)
			return Snapshot{}
		}
		return snap
	}
}

// snapshot materializes the direct children of path.
func (s *SQLiteStore) snapshot(ctx context.Context, path string) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE parent = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		snap[key] = []byte(value)
	}
	return snap, rows.Err()
}
