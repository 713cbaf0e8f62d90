package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
}

// schema defines the database tables. %[1]s is the dialect's timestamp type.
const schema = `
CREATE TABLE IF NOT EXISTS wallpapers (
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    url TEXT NOT NULL,
    thumbnail_url TEXT NOT NULL,
    page_url TEXT NOT NULL DEFAULT '',
    safety TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    author_url TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    size BIGINT NOT NULL DEFAULT 0,
    mime_type TEXT NOT NULL DEFAULT '',
    file_id TEXT NOT NULL DEFAULT '',
    revision INTEGER NOT NULL DEFAULT 1,
    fetched_at %[1]s NOT NULL,
    updated_at %[1]s NOT NULL,
    PRIMARY KEY (source, source_id)
);

CREATE TABLE IF NOT EXISTS subscribers (
    chat_id BIGINT PRIMARY KEY,
    chat_type TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    safety_pref TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at %[1]s NOT NULL,
    updated_at %[1]s NOT NULL,
    last_served_at %[1]s
);

CREATE TABLE IF NOT EXISTS deliveries (
    chat_id BIGINT NOT NULL,
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    delivered_at %[1]s NOT NULL,
    PRIMARY KEY (chat_id, source, source_id)
);

CREATE INDEX IF NOT EXISTS idx_wallpapers_safety ON wallpapers(safety);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers(status);
`

// NewDatabase opens the store named by dsn and initializes the schema.
// A postgres:// or postgresql:// URL selects postgres; anything else is a sqlite file path.
func NewDatabase(dsn string) (*Database, error) {
	var (
		db  *sqlx.DB
		err error
	)

	if isPostgres(dsn) {
		db, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf(schema, "TIMESTAMPTZ")); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return &Database{DB: db}, nil
	}

	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Crawler and bot processes share the file: WAL lets readers run beside the writer,
	// the busy timeout queues competing writers and immediate transactions take the write lock up front.
	db, err = sqlx.Connect("sqlite3", "file:"+dsn+"?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf(schema, "TIMESTAMP")); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{DB: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// dbTime normalizes timestamps so both dialects store and compare them identically.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
