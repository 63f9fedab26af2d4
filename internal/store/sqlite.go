package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	run_id     TEXT NOT NULL DEFAULT '',
	snapshot   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_results (
	run_id         TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	status         TEXT NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	challenge_seen INTEGER NOT NULL DEFAULT 0,
	attempted_at   TEXT,
	resolved_at    TEXT,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore keeps the state snapshot and the result history in an
// embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and runs migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*schemas.PersistedState, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM run_state WHERE id = 1`).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	return decodeSnapshot([]byte(snapshot))
}

func (s *SQLiteStore) Save(ctx context.Context, state *schemas.PersistedState) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	snapshot, err := encodeSnapshot(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_state (id, run_id, snapshot, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, state.RunID, string(snapshot), formatTime(&state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert run state: %w", err)
	}

	if state.RunID != "" {
		for i, r := range state.Results {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_results (run_id, seq, title, url, status, message, challenge_seen, attempted_at, resolved_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, seq) DO NOTHING
			`, state.RunID, i, r.Title, r.URL, string(r.Status), r.Message, r.ChallengeSeen, nullTime(r.AttemptedAt), nullTime(r.ResolvedAt))
			if err != nil {
				return fmt.Errorf("failed to record result %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, runID string) ([]*schemas.RegistrationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title, url, status, message, challenge_seen, attempted_at, resolved_at
		FROM task_results
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var out []*schemas.RegistrationTask
	for rows.Next() {
		var (
			t                   schemas.RegistrationTask
			status              string
			attempted, resolved sql.NullString
		)
		if err := rows.Scan(&t.Title, &t.URL, &status, &t.Message, &t.ChallengeSeen, &attempted, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		t.Status = schemas.TaskStatus(status)
		t.AttemptedAt = parseTime(attempted)
		t.ResolvedAt = parseTime(resolved)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
