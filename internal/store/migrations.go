// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"fmt"
)

// migration is one schema step, applied inside a transaction.
type migration struct {
	version int
	stmts   []string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE turns (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				provider   TEXT DEFAULT '',
				prompt     TEXT DEFAULT '',
				reply      TEXT DEFAULT '',
				error      TEXT DEFAULT '',
				outcome    TEXT NOT NULL,
				rounds     INTEGER DEFAULT 0,
				tool_calls INTEGER DEFAULT 0,
				start_time TEXT NOT NULL,
				end_time   TEXT NOT NULL,
				duration   TEXT DEFAULT ''
			)`,
			`CREATE INDEX idx_turns_session_start ON turns (session_id, start_time DESC)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE INDEX idx_turns_start ON turns (start_time DESC)`,
		},
	},
}

// schemaVersion reads the applied version, initialising the bookkeeping
// table on first use.
func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}
	var current int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return 0, fmt.Errorf("insert initial schema version: %w", err)
		}
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return current, nil
}

// runMigrations applies every migration newer than the stored version.
func runMigrations(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update schema version to %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}
