// Package store provides the durable on-device database for the x-ear
// offline engine.
//
// The database runs embedded via ncruces/go-sqlite3 (WASM SQLite, no CGO)
// with WAL for concurrency support.
//
// Architecture:
//   - Database file: ~/.xear/engine.db
//   - WAL mode: concurrent readers during writes
//   - Schema: one records_<kind> table per catalog kind, plus outbox and meta
//   - Indexes: sync_status, updated_at, expires_at, and an expression
//     index per lookup field declared in the kind catalog
//
// Workflow:
//  1. Local writes upsert the record row and append an outbox operation
//     in one transaction (write-ahead: the queue entry exists before the
//     caller sees success)
//  2. The outbox drains queued operations to the clinic API
//  3. Sync pulls server pages and merges them record by record
//  4. Reads are served from here, never from the network
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the engine database connection.
type Store struct {
	conn    *sql.DB
	path    string
	catalog *kinds.Catalog
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created along with the schema
// for every kind in the catalog.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open("~/.xear/engine.db", kinds.Default())
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, catalog *kinds.Catalog) (*Store, error) {
	if catalog == nil {
		catalog = kinds.Default()
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kind catalog: %w", err)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:    conn,
		path:    path,
		catalog: catalog,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, storageErr("enable WAL mode", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, storageErr("set busy timeout", err)
	}

	// Enable foreign keys
	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, storageErr("enable foreign keys", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Catalog returns the kind catalog this store was opened with.
func (s *Store) Catalog() *kinds.Catalog {
	return s.catalog
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
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
		return storageErr("close database", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates one records table per catalog kind plus the outbox and
// meta tables, along with the indexes the engine queries lean on. This
// is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	var b strings.Builder

	for _, name := range s.catalog.Names() {
		kind, _ := s.catalog.Get(name)
		table := recordTable(name)

		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		envelope TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		priority INTEGER NOT NULL DEFAULT 2
	);

	CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(sync_status);
	CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at);
	CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);
	`, table, name, table, name, table, name, table)

		for _, field := range kind.LookupFields {
			fmt.Fprintf(&b,
				"CREATE INDEX IF NOT EXISTS idx_%s_lookup_%s ON %s(json_extract(envelope, '$.record.payload.%s'));\n",
				name, field, table, field)
		}
	}

	b.WriteString(`
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		method TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		payload TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		priority INTEGER NOT NULL DEFAULT 2,
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		enqueued_at TEXT NOT NULL,
		next_attempt_at TEXT,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_id, seq);

	-- Composite index for due-operation selection
	CREATE INDEX IF NOT EXISTS idx_outbox_due
	    ON outbox(status, next_attempt_at, priority, seq);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`)

	if _, err := s.conn.ExecContext(ctx, b.String()); err != nil {
		return storageErr("initialize schema", err)
	}

	// Mint the device id on first init. It prefixes every idempotency
	// key, so it must never change once written.
	bootstrap := `INSERT INTO meta (key, value) VALUES ('device_id', ?) ON CONFLICT(key) DO NOTHING`
	if _, err := s.conn.ExecContext(ctx, bootstrap, uuid.NewString()); err != nil {
		return storageErr("initialize device id", err)
	}

	return nil
}

// SizeBytes returns the on-disk size of the database including its WAL.
func (s *Store) SizeBytes() (int64, error) {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, storageErr("stat database", err)
		}
		total += info.Size()
	}
	return total, nil
}

// recordTable returns the table name for a kind. Kind names are validated
// by the catalog, so interpolating them into SQL is safe.
func recordTable(kind string) string {
	return "records_" + kind
}

// sqlTime formats a timestamp for a TEXT column. Columns always hold
// UTC RFC3339 at second precision so string comparison orders correctly;
// the envelope JSON keeps full precision for in-memory logic.
func sqlTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: sqlTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
