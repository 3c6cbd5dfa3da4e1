package store

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS items (
    item_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    title TEXT NOT NULL,
    meeting_date TEXT,
    summary TEXT,
    attachments TEXT,
    first_seen TEXT NOT NULL,
    last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
    source_id TEXT PRIMARY KEY,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    event_id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    change_type TEXT NOT NULL CHECK(change_type IN ('added', 'removed', 'modified')),
    title TEXT NOT NULL,
    summary TEXT,
    detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sent_events (
    subscriber_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    sent_at TEXT NOT NULL,
    message_id TEXT,
    PRIMARY KEY (subscriber_id, item_id)
);

CREATE TABLE IF NOT EXISTS source_health (
    source_id TEXT PRIMARY KEY,
    last_check TEXT,
    last_success TEXT,
    consecutive_failures INTEGER DEFAULT 0,
    last_error TEXT,
    status TEXT DEFAULT 'healthy'
);

CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    sources_checked INTEGER DEFAULT 0,
    sources_failed INTEGER DEFAULT 0,
    changes_found INTEGER DEFAULT 0,
    sent INTEGER DEFAULT 0,
    send_failed INTEGER DEFAULT 0,
    status TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_id);
CREATE INDEX IF NOT EXISTS idx_changes_source ON changes(source_id);
CREATE INDEX IF NOT EXISTS idx_changes_detected ON changes(detected_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
