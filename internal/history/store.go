// Package history reconciles server-replayed transcripts with a locally
// persisted cache, and owns the bounded per-session history cache.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoCache is returned when no cached history exists for a session.
var ErrNoCache = errors.New("no cached history for session")

// cacheKeyPrefix namespaces cache rows so a shared database file can hold
// other state later without key collisions.
const cacheKeyPrefix = "history:"

// DefaultCacheCap bounds each session's cached transcript to 200 KB.
const DefaultCacheCap = 200 * 1024

// Store persists one bounded text entry per session id. It is best-effort
// storage: callers treat write failures as a degraded replay experience,
// never as a functional error.
type Store struct {
	db  *sql.DB
	cap int
}

// OpenStore opens (or creates) the cache database at path.
func OpenStore(path string, capacity int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// WAL keeps cache writes from blocking concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := NewStoreWithDB(db, capacity)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB wraps an existing database connection. Tests use this with
// an in-memory database.
func NewStoreWithDB(db *sql.DB, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCacheCap
	}
	return &Store{db: db, cap: capacity}
}

// Migrate creates the cache schema if it does not exist.
func (s *Store) Migrate() error {
	return s.migrate()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history_cache (
		cache_key  TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}
	return nil
}

// Cap returns the per-session size cap in bytes.
func (s *Store) Cap() int {
	return s.cap
}

// Load returns the cached history for a session, or ErrNoCache.
func (s *Store) Load(ctx context.Context, sessionID string) (string, error) {
	query := `SELECT data FROM history_cache WHERE cache_key = ?`

	var data string
	err := s.db.QueryRowContext(ctx, query, cacheKeyPrefix+sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return "", ErrNoCache
	}
	if err != nil {
		return "", fmt.Errorf("failed to load cached history: %w", err)
	}
	return data, nil
}

// Save overwrites the cached history for a session, trimmed to the size cap.
// Each confirmed chunk of output rewrites the whole entry; the cache is a
// snapshot, not an append log across restarts.
func (s *Store) Save(ctx context.Context, sessionID, data string) error {
	if len(data) > s.cap {
		data = data[len(data)-s.cap:]
	}

	query := `
		INSERT INTO history_cache (cache_key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, cacheKeyPrefix+sessionID, data, time.Now()); err != nil {
		return fmt.Errorf("failed to save cached history: %w", err)
	}
	return nil
}

// Delete removes the cached history for a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM history_cache WHERE cache_key = ?`
	if _, err := s.db.ExecContext(ctx, query, cacheKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to delete cached history: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
