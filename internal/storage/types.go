package storage

import (
	"context"
	"errors"
	"time"

	"geppetto/internal/model"
)

// ErrNotFound is returned for lookups of unknown job or execution ids.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when an execution update would move a
// record along a path the status lifecycle forbids, e.g. out of a terminal
// state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ExecutionUpdate carries a partial update of an execution record.
// Nil pointer fields are left untouched; Status is always applied.
type ExecutionUpdate struct {
	Status       model.Status
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	ErrorMessage *string
}

// Store is the persistence API consumed by the scheduling engine.
type Store interface {
	// Jobs.
	FetchActiveJobs(ctx context.Context, limit int) ([]model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	UpsertJob(ctx context.Context, job model.Job) error
	DeleteJob(ctx context.Context, id string) error

	// Rules.
	FetchJobRules(ctx context.Context, jobID string) ([]model.Rule, error)
	AddRule(ctx context.Context, rule model.Rule) (string, error)

	// Executions.
	CreateExecution(ctx context.Context, jobID string, scheduledFor time.Time) (string, error)
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (model.Execution, error)
	GetRunningExecution(ctx context.Context, jobID string) (*model.Execution, error)
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]model.Execution, error)
	GetExecutionStats(ctx context.Context) (map[model.Status]int64, error)

	Close() error
}
