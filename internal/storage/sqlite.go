package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	sqlStore
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		fingerprint TEXT PRIMARY KEY,
		cross_source_fingerprint TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		publish_ms INTEGER NOT NULL,
		ingested_ms INTEGER NOT NULL,
		matched_entities_json TEXT NOT NULL DEFAULT 'null',
		matched_keywords_json TEXT NOT NULL DEFAULT 'null',
		matched_tier TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		alert_delivered INTEGER NOT NULL DEFAULT 0,
		alert_delivered_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_cross_source ON records(cross_source_fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_records_publish ON records(publish_ms)`,
	`CREATE TABLE IF NOT EXISTS research_docs (
		fingerprint TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		analyst TEXT NOT NULL DEFAULT '',
		publisher TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		publish_ms INTEGER NOT NULL DEFAULT 0,
		ingested_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT NOT NULL,
		record_fingerprint TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		sent_ms INTEGER NOT NULL,
		expires_ms INTEGER NOT NULL,
		corroborated INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_window ON deliveries(entity_id, severity, expires_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_sent ON deliveries(sent_ms)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		direct_json TEXT NOT NULL,
		related_json TEXT NOT NULL,
		context_json TEXT NOT NULL,
		updated_ms INTEGER NOT NULL
	)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:newsguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps insert-if-absent and the busy timeout simple.
	db.SetMaxOpenConns(1)
	return &sqliteStore{newSQLStore(db, false, sqliteSchema)}, nil
}
