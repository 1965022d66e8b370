package store

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

var schemaV1 = []struct {
	name string
	ddl  string
}{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			platform_user_id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		);`},
	{"pulse_records", `
		CREATE TABLE IF NOT EXISTS pulse_records (
			user_id TEXT PRIMARY KEY,
			score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
			state TEXT NOT NULL,
			last_message_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_topic TEXT NULL,
			signal_history TEXT NOT NULL DEFAULT '[]'
		);`},
	{"topic_intents", `
		CREATE TABLE IF NOT EXISTS topic_intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			category TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			phase TEXT NOT NULL,
			last_signal_at INTEGER NOT NULL
		);`},
	{"topic_intents index", `CREATE INDEX IF NOT EXISTS idx_topic_intents_user_confidence ON topic_intents(user_id, confidence DESC);`},
	{"user_keywords", `
		CREATE TABLE IF NOT EXISTS user_keywords (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('preference', 'goal')),
			keyword TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);`},
	{"session_activity", `
		CREATE TABLE IF NOT EXISTS session_activity (
			user_id TEXT PRIMARY KEY,
			last_message_at INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			window_messages INTEGER NOT NULL
		);`},
	{"funnel_instances", `
		CREATE TABLE IF NOT EXISTS funnel_instances (
			id TEXT PRIMARY KEY,
			platform_user_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			funnel_key TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			context TEXT NOT NULL DEFAULT '{}',
			last_event_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`},
	{"funnel_instances one active", `CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_instances_one_active ON funnel_instances(platform_user_id) WHERE status = 'ACTIVE';`},
	{"funnel_instances idle index", `CREATE INDEX IF NOT EXISTS idx_funnel_instances_status_last_event ON funnel_instances(status, last_event_at);`},
	{"funnel_instances recent index", `CREATE INDEX IF NOT EXISTS idx_funnel_instances_user_created ON funnel_instances(user_id, created_at);`},
	{"funnel_events", `
		CREATE TABLE IF NOT EXISTS funnel_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			funnel_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			payload TEXT NULL,
			created_at INTEGER NOT NULL
		);`},
	{"funnel_events index", `CREATE INDEX IF NOT EXISTS idx_funnel_events_instance ON funnel_events(instance_id, id);`},
}

// Migrate ensures the schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	transaction, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	for _, stmt := range schemaV1 {
		if _, err := transaction.Exec(stmt.ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", stmt.name, err)
		}
	}

	if _, err := transaction.Exec(`INSERT INTO schema_migrations (version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record version: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}
