// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/continuous-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	EventsTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	db     DB
	runs   string
	events string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithDB(pool, cfg.RunsTable, cfg.EventsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithDB constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithDB(db DB, runsTable, eventsTable string) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if runsTable == "" {
		runsTable = "crawl_runs"
	}
	if eventsTable == "" {
		eventsTable = "crawl_events"
	}
	for _, table := range []string{runsTable, eventsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RunStore{db: db, runs: runsTable, events: eventsTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// UpsertRunStart inserts the run row or marks an existing row active again.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, job string, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, job, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE %s.status <> EXCLUDED.status;
	`, s.runs, s.runs)
	if _, err := s.db.Exec(ctx, query, runID, job, startedAt, store.RunActive); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// UpdatePhase records the run's latest phase.
func (s *RunStore) UpdatePhase(ctx context.Context, runID uuid.UUID, phase string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET phase = $1, updated_at = $2 WHERE id = $3;`, s.runs)
	if _, err := s.db.Exec(ctx, query, phase, at, runID); err != nil {
		return fmt.Errorf("update run phase: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with its exit classification.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, exitClass string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, exit_class = $3
		WHERE id = $4;
	`, s.runs)
	if _, err := s.db.Exec(ctx, query, finishedAt, store.RunFinished, exitClass, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// AppendEvents inserts events in one transaction. Rows are keyed by
// (run_id, seq) so a replayed batch is ignored.
func (s *RunStore) AppendEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append events: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, seq, at, level, kind, phase, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, seq) DO NOTHING;
	`, s.events)
	for _, evt := range events {
		if _, err := tx.Exec(ctx, query,
			evt.RunID, evt.Seq, evt.At, evt.Level, evt.Kind, evt.Phase, evt.Message,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert event %d: %w", evt.Seq, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append events: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id::text, job, phase, started_at, finished_at, status, exit_class
		FROM %s
		WHERE id = $1;
	`, s.runs)
	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id::text, job, phase, started_at, finished_at, status, exit_class
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`, s.runs)
	rows, err := s.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListEvents returns a run's events in sequence order.
func (s *RunStore) ListEvents(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.Event, error) {
	query := fmt.Sprintf(`
		SELECT seq, at, level, kind, phase, message
		FROM %s
		WHERE run_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3;
	`, s.events)
	rows, err := s.db.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		evt := store.Event{RunID: runID}
		if err := rows.Scan(&evt.Seq, &evt.At, &evt.Level, &evt.Kind, &evt.Phase, &evt.Message); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run store.Run
		id  string
	)
	if err := row.Scan(
		&id,
		&run.Job,
		&run.Phase,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ExitClass,
	); err != nil {
		return store.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	return run, nil
}
