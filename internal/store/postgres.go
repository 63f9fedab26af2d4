package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS run_state (
    id         SMALLINT PRIMARY KEY CHECK (id = 1),
    run_id     TEXT NOT NULL DEFAULT '',
    snapshot   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS task_results (
    run_id         TEXT NOT NULL,
    seq            INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    status         TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    challenge_seen BOOLEAN NOT NULL DEFAULT FALSE,
    attempted_at   TIMESTAMPTZ,
    resolved_at    TIMESTAMPTZ,
    PRIMARY KEY (run_id, seq)
);
`

const (
	sqlUpsertState = `
        INSERT INTO run_state (id, run_id, snapshot, updated_at)
        VALUES (1, $1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            snapshot = EXCLUDED.snapshot,
            updated_at = EXCLUDED.updated_at;
    `
	sqlInsertResult = `
        INSERT INTO task_results (run_id, seq, title, url, status, message, challenge_seen, attempted_at, resolved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (run_id, seq) DO NOTHING;
    `
	sqlSelectState = `
        SELECT snapshot
        FROM run_state
        WHERE id = 1;
    `
	sqlSelectHistory = `
        SELECT title, url, status, message, challenge_seen, attempted_at, resolved_at
        FROM task_results
        WHERE run_id = $1
        ORDER BY seq ASC;
    `
)

// PostgresStore keeps the state snapshot and the result history in PostgreSQL.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresStore creates a new store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*schemas.PersistedState, error) {
	rows, err := s.pool.Query(ctx, sqlSelectState)
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, nil
	}
	var snapshot []byte
	if err := rows.Scan(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to scan run state: %w", err)
	}
	return decodeSnapshot(snapshot)
}

// Save writes the snapshot and appends any results not yet recorded, in one transaction.
func (s *PostgresStore) Save(ctx context.Context, state *schemas.PersistedState) error {
	if state == nil {
		return errors.New("state cannot be nil")
	}
	snapshot, err := encodeSnapshot(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertState, state.RunID, snapshot, state.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert run state: %w", err)
	}

	if state.RunID != "" && len(state.Results) > 0 {
		if err := s.appendResults(ctx, tx, state.RunID, state.Results); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) appendResults(ctx context.Context, tx pgx.Tx, runID string, results []*schemas.RegistrationTask) error {
	batch := &pgx.Batch{}
	for i, r := range results {
		batch.Queue(sqlInsertResult, runID, i, r.Title, r.URL, string(r.Status), r.Message, r.ChallengeSeen, utcPtr(r.AttemptedAt), utcPtr(r.ResolvedAt))
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record result %d: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, runID string) ([]*schemas.RegistrationTask, error) {
	rows, err := s.pool.Query(ctx, sqlSelectHistory, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var out []*schemas.RegistrationTask
	for rows.Next() {
		var t schemas.RegistrationTask
		var status string
		if err := rows.Scan(&t.Title, &t.URL, &status, &t.Message, &t.ChallengeSeen, &t.AttemptedAt, &t.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		t.Status = schemas.TaskStatus(status)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
