package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all kiln tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		descriptor   TEXT NOT NULL,
		cache_hint   TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'queued',
		worker_id    TEXT NOT NULL DEFAULT '',
		attempt      INTEGER NOT NULL DEFAULT 0,
		revision     INTEGER NOT NULL DEFAULT 0,
		log_size     INTEGER NOT NULL DEFAULT 0,
		succeeded    INTEGER,
		exit_code    INTEGER,
		detail       TEXT NOT NULL DEFAULT '',
		log          BLOB,
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,

	// One row per worker registration.
	`CREATE TABLE IF NOT EXISTS worker_sessions (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		hostname        TEXT NOT NULL DEFAULT '',
		capacity        INTEGER NOT NULL,
		connected_at    TEXT NOT NULL,
		disconnected_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_worker_sessions_connected_at ON worker_sessions(connected_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "jobs",
		column:   "released_at",
		alterSQL: "ALTER TABLE jobs ADD COLUMN released_at TEXT",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_jobs_released_at ON jobs(released_at)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
