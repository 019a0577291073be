// ABOUTME: SQLite-backed StateStore keeping one row per pipeline kind.
// ABOUTME: Each save is a single upsert, so the step advance and stage output commit together.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Compile-time check that SQLiteStateStore implements StateStore.
var _ StateStore = (*SQLiteStateStore)(nil)

// SQLiteStateStore stores pipeline state in a SQLite database.
type SQLiteStateStore struct {
	db *sql.DB
}

// sqliteBusyTimeoutMS is how long a connection waits on a locked database
// before failing with SQLITE_BUSY.
const sqliteBusyTimeoutMS = 5000

// OpenSQLiteStateStore opens or creates the database at path and ensures the schema.
func OpenSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	// set through the DSN so every pooled connection gets it, not just the first
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_busy_timeout=%d", path, sep, sqliteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS pipeline_state (
			kind TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			ready INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStateStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

// Load reads and migrates the state for kind.
func (s *SQLiteStateStore) Load(ctx context.Context, kind Kind) (*State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM pipeline_state WHERE kind = ?`, string(kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query state %s: %w", kind, err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", kind, err)
	}
	return Migrate(&st, kind), nil
}

// Save upserts the row for state.Kind.
func (s *SQLiteStateStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.Kind, err)
	}

	ready := 0
	if state.Ready {
		ready = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_state (kind, run_id, step, ready, state_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			run_id = excluded.run_id,
			step = excluded.step,
			ready = excluded.ready,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		string(state.Kind),
		state.RunID,
		int(state.Step),
		ready,
		string(data),
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", state.Kind, err)
	}
	return nil
}

// Delete removes the row for kind.
func (s *SQLiteStateStore) Delete(ctx context.Context, kind Kind) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_state WHERE kind = ?`, string(kind)); err != nil {
		return fmt.Errorf("delete state %s: %w", kind, err)
	}
	return nil
}
