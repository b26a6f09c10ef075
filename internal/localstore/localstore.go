// Package localstore provides the durable on-device key-value store
// backing the sync engine's queues and settings cache.
//
// Values are opaque JSON blobs keyed by string. The store is backed by
// an embedded SQLite database in WAL mode so queued mutations survive a
// crash or restart of the till process.
package localstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is a durable string-keyed blob store.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the store at the specified path.
//
// The database is opened in WAL mode with a busy timeout so the serve
// process and one-shot CLI commands can coexist. The caller MUST call
// Close() when done.
//
// Example:
//
//	store, err := localstore.Open(".till/local.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return s, nil
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Get returns the blob stored under key. The second return value
// reports whether the key exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.conn.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the store. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	if _, err := s.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Close closes the store.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}
