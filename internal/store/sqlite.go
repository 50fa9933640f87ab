package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/shared"
	_ "modernc.org/sqlite"
)

// credentialKey is the single key the credential lives under.
const credentialKey = "access_token"

const (
	writeMaxRetries = 3
	writeBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements CredentialStore on a local SQLite file.
// The value is read once at open and served from memory afterwards.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	cached domain.Credential
}

// NewSQLite opens (or creates) the credential database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load credential: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) load(ctx context.Context) error {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, credentialKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan credential row: %w", err)
	}

	s.mu.Lock()
	s.cached = domain.Credential(value)
	s.mu.Unlock()
	return nil
}

// Get returns the cached credential.
func (s *SQLiteStore) Get(_ context.Context) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached, nil
}

// Set persists cred and makes it visible to readers.
func (s *SQLiteStore) Set(ctx context.Context, cred domain.Credential) error {
	if cred.IsZero() {
		return s.Clear(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := s.execWithRetry(ctx, query, credentialKey, string(cred), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	s.cached = cred
	return nil
}

// Clear drops the cached credential first so no reader can observe it while
// the row is being deleted.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = ""
	if err := s.execWithRetry(ctx, `DELETE FROM kv WHERE key = ?`, credentialKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// execWithRetry retries writes that fail with SQLITE_BUSY or "database is locked".
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	var err error
	for i := 0; i < writeMaxRetries; i++ {
		if _, err = s.db.ExecContext(ctx, query, args...); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeMaxRetries-1 {
			break
		}

		delay := writeBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Credential store busy, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
