// Package store persists finished runs to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// DBPool abstracts *pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements schemas.RunStore on PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunStore = (*Store)(nil)

const (
	sqlCreateRuns = `
        CREATE TABLE IF NOT EXISTS runs (
            run_id      TEXT PRIMARY KEY,
            profile     TEXT NOT NULL,
            strategy    TEXT NOT NULL,
            status      TEXT NOT NULL,
            final_state TEXT NOT NULL DEFAULT '',
            iterations  INTEGER NOT NULL DEFAULT 0,
            history     JSONB NOT NULL DEFAULT '[]',
            vars        JSONB NOT NULL DEFAULT '{}',
            error       TEXT NOT NULL DEFAULT '',
            started_at  TIMESTAMPTZ NOT NULL,
            ended_at    TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateTransitions = `
        CREATE TABLE IF NOT EXISTS run_transitions (
            run_id     TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
            seq        INTEGER NOT NULL,
            from_state TEXT NOT NULL,
            to_state   TEXT NOT NULL,
            iteration  INTEGER NOT NULL,
            at         TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, seq)
        );
    `
	sqlUpsertRun = `
        INSERT INTO runs (run_id, profile, strategy, status, final_state, iterations, history, vars, error, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (run_id) DO UPDATE SET
            status = EXCLUDED.status,
            final_state = EXCLUDED.final_state,
            iterations = EXCLUDED.iterations,
            history = EXCLUDED.history,
            vars = EXCLUDED.vars,
            error = EXCLUDED.error,
            ended_at = EXCLUDED.ended_at;
    `
	sqlDeleteTransitions = `DELETE FROM run_transitions WHERE run_id = $1;`
)

var transitionColumns = []string{"run_id", "seq", "from_state", "to_state", "iteration", "at"}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateRuns, sqlCreateTransitions} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// SaveRun upserts the run and replaces its transitions in one transaction.
func (s *Store) SaveRun(ctx context.Context, r *schemas.RunResult) error {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("run result must carry a run id")
	}
	history, err := marshalJSON(r.History, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	vars, err := marshalJSON(r.Vars, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode vars: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertRun,
		r.RunID, r.Profile, string(r.Strategy), string(r.Status), r.FinalState, r.Iterations,
		history, vars, r.Error, r.StartedAt.UTC(), r.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteTransitions, r.RunID); err != nil {
		return fmt.Errorf("failed to clear transitions: %w", err)
	}
	if len(r.Transitions) > 0 {
		if err := s.persistTransitions(ctx, tx, r.RunID, r.Transitions); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Run persisted",
		zap.String("run_id", r.RunID),
		zap.String("status", string(r.Status)),
		zap.Int("transitions", len(r.Transitions)),
	)
	return nil
}

func (s *Store) persistTransitions(ctx context.Context, tx pgx.Tx, runID string, transitions []schemas.TransitionRecord) error {
	rows := make([][]any, len(transitions))
	for i, t := range transitions {
		rows[i] = []any{runID, i, t.From, t.To, t.Iteration, t.At.UTC()}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"run_transitions"}, transitionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy transitions: %w", err)
	}
	if int(copyCount) != len(transitions) {
		return fmt.Errorf("mismatch in copied transitions count: expected %d, got %d", len(transitions), copyCount)
	}
	return nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(data) == 0 || string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
