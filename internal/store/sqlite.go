// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cleecy/mcp-retreaver/internal/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width and always UTC so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// maxTurns caps every read.
const maxTurns = 100

// SQLiteStore implements model.TurnStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure the parent directory exists.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Concurrent sessions write turns at the same time; a single
	// connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveTurn persists one turn record.
func (s *SQLiteStore) SaveTurn(r *model.TurnRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (session_id, provider, prompt, reply, error, outcome, rounds, tool_calls, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID,
		r.Provider,
		r.Prompt,
		r.Reply,
		r.Error,
		string(r.Outcome),
		r.Rounds,
		r.ToolCalls,
		r.StartTime.UTC().Format(timeFormat),
		r.EndTime.UTC().Format(timeFormat),
		r.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetTurns returns up to limit turns of one session, most recent first.
func (s *SQLiteStore) GetTurns(sessionID string, limit int) ([]*model.TurnRecord, error) {
	return s.queryTurns(`
		SELECT session_id, provider, prompt, reply, error, outcome, rounds, tool_calls, start_time, end_time, duration
		FROM turns
		WHERE session_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?`, sessionID, clampLimit(limit))
}

// GetRecentTurns returns up to limit turns across all sessions, most recent first.
func (s *SQLiteStore) GetRecentTurns(limit int) ([]*model.TurnRecord, error) {
	return s.queryTurns(`
		SELECT session_id, provider, prompt, reply, error, outcome, rounds, tool_calls, start_time, end_time, duration
		FROM turns
		ORDER BY start_time DESC, id DESC
		LIMIT ?`, clampLimit(limit))
}

// PruneTurns deletes turns that started before cutoff and reports how many
// were removed.
func (s *SQLiteStore) PruneTurns(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM turns WHERE start_time < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check prune result: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryTurns(query string, args ...interface{}) ([]*model.TurnRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*model.TurnRecord
	for rows.Next() {
		var r model.TurnRecord
		var outcome, startStr, endStr string
		if err := rows.Scan(
			&r.SessionID, &r.Provider, &r.Prompt, &r.Reply, &r.Error,
			&outcome, &r.Rounds, &r.ToolCalls, &startStr, &endStr, &r.Duration,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Outcome = model.TurnOutcome(outcome)
		r.StartTime, _ = time.Parse(timeFormat, startStr)
		r.EndTime, _ = time.Parse(timeFormat, endStr)
		turns = append(turns, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxTurns {
		return maxTurns
	}
	return limit
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
