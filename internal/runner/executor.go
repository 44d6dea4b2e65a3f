package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"geppetto/internal/generator"
	"geppetto/internal/model"
	"geppetto/internal/storage"
	"geppetto/pkg/logx"
)

// maxErrorMessage bounds the stderr/stdout excerpt stored on failed records.
const maxErrorMessage = 1000

// Executor runs a single job occurrence end to end: concurrency guard,
// artifact generation, subprocess launch and record finalization.
type Executor struct {
	store storage.Store
	gen   generator.Generator
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewExecutor(store storage.Store, gen generator.Generator, log logx.Logger, cfg Config) *Executor {
	return &Executor{store: store, gen: gen, log: log, cfg: cfg.withDefaults()}
}

// ApplyConfig swaps the executor's tunables. Runs already in flight keep the
// settings they started with; the next run picks up the new ones.
func (e *Executor) ApplyConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Execute runs a scheduled occurrence. Every outcome of the run itself is
// recorded as a terminal execution status; a non-nil error means the record
// could not be created or finalized and the run never started.
func (e *Executor) Execute(ctx context.Context, entry Entry) (model.Execution, error) {
	job := entry.Job
	execID, err := e.store.CreateExecution(ctx, job.ID, entry.NextRun)
	if err != nil {
		return model.Execution{}, fmt.Errorf("creating execution record: %w", err)
	}

	if !job.AllowConcurrent {
		running, err := e.store.GetRunningExecution(ctx, job.ID)
		if err != nil {
			return model.Execution{}, fmt.Errorf("checking running executions: %w", err)
		}
		if running != nil {
			e.log.Warn("execution cancelled, job already running",
				logx.String("job", job.ID),
				logx.String("running_execution", running.ID),
			)
			e.finish(ctx, execID, model.StatusCancelled, "concurrent execution not allowed", nil)
			return e.store.GetExecution(ctx, execID)
		}
	}

	started := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, execID, storage.ExecutionUpdate{
		Status:    model.StatusRunning,
		StartedAt: &started,
	}); err != nil {
		return model.Execution{}, fmt.Errorf("marking execution running: %w", err)
	}

	startDate, endDate := e.dateRange(job, started)
	e.run(ctx, job, execID, startDate, endDate)
	return e.store.GetExecution(ctx, execID)
}

// ExecuteStandalone runs a job immediately with an explicit date range,
// outside the queue and without the concurrency guard. Empty dates fall back
// to the configured lookback window.
func (e *Executor) ExecuteStandalone(ctx context.Context, jobID, startDate, endDate string) (model.Execution, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Execution{}, err
	}

	now := time.Now().UTC()
	execID, err := e.store.CreateExecution(ctx, job.ID, now)
	if err != nil {
		return model.Execution{}, fmt.Errorf("creating execution record: %w", err)
	}
	if err := e.store.UpdateExecution(ctx, execID, storage.ExecutionUpdate{
		Status:    model.StatusRunning,
		StartedAt: &now,
	}); err != nil {
		return model.Execution{}, fmt.Errorf("marking execution running: %w", err)
	}

	if startDate == "" || endDate == "" {
		startDate, endDate = e.dateRange(job, now)
	}
	e.run(ctx, job, execID, startDate, endDate)
	return e.store.GetExecution(ctx, execID)
}

// run performs the fallible part of an execution and always finalizes the
// record, mapping every failure mode to a terminal status.
func (e *Executor) run(ctx context.Context, job model.Job, execID, startDate, endDate string) {
	rules, err := e.store.FetchJobRules(ctx, job.ID)
	if err != nil {
		e.finish(ctx, execID, model.StatusFailed, truncate("fetching rules: "+err.Error()), nil)
		return
	}
	if len(rules) == 0 {
		e.finish(ctx, execID, model.StatusFailed, "no rules found for job "+job.ID, nil)
		return
	}

	dir := e.artifactDir(job.ID)
	if err := e.gen.Generate(ctx, job, rules, dir); err != nil {
		e.finish(ctx, execID, model.StatusFailed, truncate("generating artifact: "+err.Error()), nil)
		return
	}

	cfg := e.config()
	runCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
	defer cancel()

	args := append([]string{"main.py", "--start-date", startDate, "--end-date", endDate}, outputArgs(cfg.Output)...)
	cmd := exec.CommandContext(runCtx, cfg.Interpreter, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Info("launching detector",
		logx.String("job", job.ID),
		logx.String("execution", execID),
		logx.String("start_date", startDate),
		logx.String("end_date", endDate),
	)
	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("execution timed out after %s", cfg.ExecTimeout)
		e.finish(ctx, execID, model.StatusTimeout, msg, nil)
		return
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			e.finish(ctx, execID, model.StatusFailed, truncate("launching detector: "+runErr.Error()), nil)
			return
		}
		exitCode = exitErr.ExitCode()
	}

	switch exitCode {
	case 0, 1:
		// Exit 1 means discrepancies were found; the run itself succeeded.
		e.finish(ctx, execID, model.StatusSuccess, "", &exitCode)
	default:
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		e.finish(ctx, execID, model.StatusFailed, truncate(out), &exitCode)
	}
}

func (e *Executor) finish(ctx context.Context, execID string, status model.Status, msg string, exitCode *int) {
	now := time.Now().UTC()
	upd := storage.ExecutionUpdate{
		Status:     status,
		FinishedAt: &now,
		ExitCode:   exitCode,
	}
	if msg != "" {
		upd.ErrorMessage = &msg
	}
	if err := e.store.UpdateExecution(ctx, execID, upd); err != nil {
		e.log.Error("finalizing execution record",
			logx.String("execution", execID),
			logx.String("status", string(status)),
			logx.Err(err),
		)
	}
}

// dateRange computes the default detection window: midnight UTC at the start
// of the lookback period through the end of the current day. A per-job
// lookback in the data-source config overrides the engine default.
func (e *Executor) dateRange(job model.Job, now time.Time) (string, string) {
	lookback := e.config().LookbackDays
	if ds := generator.ParseDataSource(job.Config); ds.LookbackDays > 0 {
		lookback = ds.LookbackDays
	}
	day := now.Truncate(24 * time.Hour)
	start := day.AddDate(0, 0, -lookback)
	end := day.Add(24*time.Hour - time.Second)
	return start.Format(time.RFC3339), end.Format(time.RFC3339)
}

func outputArgs(o OutputArgs) []string {
	var args []string
	if o.CallbackURL != "" {
		args = append(args, "--callback-url", o.CallbackURL)
	}
	if o.CDNURL != "" {
		args = append(args, "--cdn-url", o.CDNURL)
	}
	if o.CDNAccessKey != "" {
		args = append(args, "--cdn-access-key", o.CDNAccessKey)
	}
	if o.CDNSecretKey != "" {
		args = append(args, "--cdn-secret-key", o.CDNSecretKey)
	}
	if o.CDNBucket != "" {
		args = append(args, "--cdn-bucket", o.CDNBucket)
	}
	if o.CDNDisableSSL {
		args = append(args, "--cdn-no-ssl")
	}
	return args
}

func (e *Executor) artifactDir(jobID string) string {
	return filepath.Join(e.config().WorkDir, jobID)
}

// ArtifactExists reports whether a generated artifact directory is present
// for the job.
func (e *Executor) ArtifactExists(jobID string) bool {
	info, err := os.Stat(e.artifactDir(jobID))
	return err == nil && info.IsDir()
}

// CleanupArtifact removes the job's artifact directory. It reports whether
// anything was removed; a denied removal wraps ErrCleanup.
func (e *Executor) CleanupArtifact(jobID string) (bool, error) {
	dir := e.artifactDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s: %v", ErrCleanup, jobID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCleanup, jobID, err)
	}
	e.log.Info("artifact removed", logx.String("job", jobID))
	return true, nil
}

// CleanupStale removes artifact directories not modified within maxAge and
// returns how many were removed. Individual failures are logged and skipped.
func (e *Executor) CleanupStale(maxAge time.Duration) (int, error) {
	workDir := e.config().WorkDir
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workDir, ent.Name())); err != nil {
			e.log.Warn("removing stale artifact", logx.String("dir", ent.Name()), logx.Err(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// truncate caps s at maxErrorMessage bytes without splitting a UTF-8 rune.
func truncate(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
