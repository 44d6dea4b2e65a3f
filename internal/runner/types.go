package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"geppetto/internal/model"
)

// ErrCleanup marks a denied artifact removal. It is the only per-job error
// the engine raises to its caller.
var ErrCleanup = errors.New("artifact cleanup failed")

// Config controls the engine.
//
// Defaults (when fields are omitted/zero):
//   - max_queue_size: 10
//   - poll_interval: 1s
//   - exec_timeout: 5m
//   - work_dir: <os temp dir>/geppetto-projects
//   - interpreter: "python3"
//   - lookback_days: 1
type Config struct {
	MaxQueueSize int
	PollInterval time.Duration
	ExecTimeout  time.Duration

	// WorkDir is the artifact root; each job owns <WorkDir>/<job id>.
	WorkDir string
	// Interpreter launches the artifact entry point.
	Interpreter string
	// LookbackDays sizes the default date range of scheduled runs.
	LookbackDays int

	Output OutputArgs
}

// OutputArgs are report destination flags forwarded verbatim to the artifact.
// The engine never uploads anything itself.
type OutputArgs struct {
	CallbackURL   string
	CDNURL        string
	CDNAccessKey  string
	CDNSecretKey  string
	CDNBucket     string
	CDNDisableSSL bool
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "geppetto-projects")
	}
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 1
	}
	return c
}

// Entry is one scheduled occurrence of a job.
type Entry struct {
	Job     model.Job
	NextRun time.Time
}

// JobExecutor runs due jobs and manages their artifacts. Implemented by
// Executor; the loop only ever calls Execute.
type JobExecutor interface {
	Execute(ctx context.Context, entry Entry) (model.Execution, error)
	ExecuteStandalone(ctx context.Context, jobID, startDate, endDate string) (model.Execution, error)
	ApplyConfig(cfg Config)
	ArtifactExists(jobID string) bool
	CleanupArtifact(jobID string) (bool, error)
	CleanupStale(maxAge time.Duration) (int, error)
}
