// Package model holds the shared data types of the runner: job definitions,
// detection rules and execution records. The engine treats Job.Config as an
// opaque blob; only the artifact generator interprets it.
package model

import (
	"encoding/json"
	"time"
)

// Job is a detection job definition as stored by the persistence layer.
// The engine holds a read-only snapshot refreshed each reconcile cycle.
type Job struct {
	ID              string
	Name            string
	CronExpr        string
	Timezone        string // IANA TZ, e.g. "Europe/Prague"
	AllowConcurrent bool
	Config          json.RawMessage // data-source configuration for the generator
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Rule is a single discrepancy-detection rule belonging to a job.
type Rule struct {
	ID         string
	JobID      string
	Name       string
	Definition json.RawMessage
	CreatedAt  time.Time
}

// Execution is the audit record of one run of a job.
// Created at dispatch time in PENDING; mutated only by the executor;
// retention is a persistence-layer concern, the engine never deletes them.
type Execution struct {
	ID           string
	JobID        string
	Status       Status
	ScheduledFor time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	ErrorMessage string
	CreatedAt    time.Time
}
