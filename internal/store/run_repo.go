// Package store declares interfaces for persisting crawl runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunActive   RunStatus = "active"
	RunFinished RunStatus = "finished"
)

// Run models one launch of a job.
type Run struct {
	ID  uuid.UUID
	Job string
	// Phase is the last controller phase recorded for the run.
	Phase     string
	StartedAt time.Time
	// FinishedAt is nil until the run reaches FINISHED.
	FinishedAt *time.Time
	Status     RunStatus
	// ExitClass is set once the run is finished.
	ExitClass *string
}

// Event is one persisted lifecycle event row.
type Event struct {
	RunID   uuid.UUID
	Seq     int64
	At      time.Time
	Level   string
	Kind    string
	Phase   string
	Message string
}

// RunRepository persists crawl runs and their lifecycle events.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, job string, startedAt time.Time) error
	// UpdatePhase records the run's current phase.
	UpdatePhase(ctx context.Context, runID uuid.UUID, phase string, at time.Time) error
	// CompleteRun marks the run finished with its exit classification.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, exitClass string) error
	// AppendEvents stores events in order.
	AppendEvents(ctx context.Context, events []Event) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListEvents returns one run's events in sequence order.
	ListEvents(ctx context.Context, runID uuid.UUID, limit, offset int) ([]Event, error)
}
