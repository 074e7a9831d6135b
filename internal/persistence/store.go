// Package persistence is the bot's sqlite store: the inbound message log,
// per-(chat, user) summarization checkpoints, local memories and a small
// key/value table.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/wtf-bot/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "wtf-v1-2026-09-14-messages-checkpoints"

	schemaVersionV2  = 2
	schemaChecksumV2 = "wtf-v2-2026-10-02-local-memories"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home := os.Getenv("WTFBOT_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil || userHome == "" {
			userHome = "."
		}
		home = filepath.Join(userHome, ".wtfbot")
	}
	return filepath.Join(home, "wtfbot.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Close flushes the WAL into the main database file and closes the handle.
func (s *Store) Close() error {
	_, cpErr := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`)
	if cpErr != nil {
		cpErr = fmt.Errorf("wal checkpoint: %w", cpErr)
	}
	return errors.Join(cpErr, s.db.Close())
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// The message is inspected so callers need not import the driver package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	migrations := []struct {
		version    int
		checksum   string
		statements []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum,
		); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL,
		from_user_id INTEGER NOT NULL,
		from_username TEXT NOT NULL DEFAULT '',
		attachment_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (chat_id, message_id)
	);`,
	`CREATE TABLE IF NOT EXISTS summarization_checkpoints (
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		last_summarized_message_id INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, user_id)
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_created ON chat_messages(created_at);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'user' CHECK(source IN ('user', 'assistant', 'system')),
		relevance_score REAL NOT NULL DEFAULT 1.0,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT (datetime('now')),
		last_accessed DATETIME NOT NULL DEFAULT (datetime('now')),
		UNIQUE (scope, content)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, relevance_score DESC);`,
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMessages int64 `json:"purged_messages"`
	PurgedMemories int64 `json:"purged_memories"`
}

// RunRetention deletes chat messages older than messageDays and memories whose
// relevance has decayed below minRelevance. Zero disables either category.
// Checkpoints are never deleted.
func (s *Store) RunRetention(ctx context.Context, messageDays int, minRelevance float64) (RetentionResult, error) {
	var result RetentionResult

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays).Unix()
		err := retryOnBusy(ctx, busyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE sent_at < ?;`, cutoff)
			if err != nil {
				return err
			}
			result.PurgedMessages, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge chat_messages: %w", err)
		}
	}

	if minRelevance > 0 {
		err := retryOnBusy(ctx, busyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE relevance_score < ?;`, minRelevance)
			if err != nil {
				return err
			}
			result.PurgedMemories, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge memories: %w", err)
		}
	}

	return result, nil
}
