package db

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "page cache",
		sql: `
CREATE TABLE IF NOT EXISTS cached_pages (
  conversation_kind TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  page_offset INTEGER NOT NULL,     -- offset the page was requested at
  next_offset INTEGER NOT NULL,
  has_more INTEGER NOT NULL,
  fetched_at TEXT NOT NULL,
  PRIMARY KEY (conversation_kind, conversation_id, page_offset)
);

CREATE TABLE IF NOT EXISTS cached_messages (
  id TEXT PRIMARY KEY,
  conversation_kind TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  page_offset INTEGER NOT NULL,
  created_at TEXT NOT NULL,         -- RFC3339Nano, sortable
  payload_json TEXT NOT NULL,
  FOREIGN KEY (conversation_kind, conversation_id, page_offset)
    REFERENCES cached_pages (conversation_kind, conversation_id, page_offset)
    ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cached_messages_page
  ON cached_messages (conversation_kind, conversation_id, page_offset, created_at);
`,
	},
}

// SchemaVersion returns the highest applied migration, or 0.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	if err := db.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// MigrateUp applies pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		db.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("migration applied")
		applied++
	}
	return applied, nil
}

func (db *DB) ensureMigrationTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}
