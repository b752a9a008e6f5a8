package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	sqlStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		fingerprint TEXT PRIMARY KEY,
		cross_source_fingerprint TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		publish_ms BIGINT NOT NULL,
		ingested_ms BIGINT NOT NULL,
		matched_entities_json TEXT NOT NULL DEFAULT 'null',
		matched_keywords_json TEXT NOT NULL DEFAULT 'null',
		matched_tier TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		alert_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		alert_delivered_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_cross_source ON records(cross_source_fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_records_publish ON records(publish_ms)`,
	`CREATE TABLE IF NOT EXISTS research_docs (
		fingerprint TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		analyst TEXT NOT NULL DEFAULT '',
		publisher TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		publish_ms BIGINT NOT NULL DEFAULT 0,
		ingested_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT NOT NULL,
		record_fingerprint TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		sent_ms BIGINT NOT NULL,
		expires_ms BIGINT NOT NULL,
		corroborated BOOLEAN NOT NULL DEFAULT FALSE,
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
		updated_ms BIGINT NOT NULL
	)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/newsguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{newSQLStore(db, true, postgresSchema)}, nil
}
