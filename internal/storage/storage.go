// Package storage is the embedded persistence layer: a file-backed sqlite
// database holding every raw scrape (staging) and the durable delivery queue.
// One Store handle is opened per process and injected into both repositories.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS scraped_products_raw (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id TEXT NOT NULL,
	source_product_id TEXT,
	name TEXT,
	url TEXT,
	price REAL,
	price_text TEXT,
	rrp REAL,
	rrp_text TEXT,
	availability_text TEXT,
	sku TEXT,
	image_url TEXT,
	raw_json TEXT NOT NULL,
	scraped_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scraped_products_site_time
	ON scraped_products_raw (site_id, scraped_at);

CREATE TABLE IF NOT EXISTS price_history_sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL,
	last_error TEXT,
	target_env TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_history_sync_queue_status_next
	ON price_history_sync_queue (status, next_attempt_at);

CREATE INDEX IF NOT EXISTS idx_price_history_sync_queue_run
	ON price_history_sync_queue (run_id);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	// sqlite allows a single writer; funneling through one connection keeps
	// concurrent repository calls from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are persisted as RFC 3339 UTC strings so lexicographic SQL
// comparisons match chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
