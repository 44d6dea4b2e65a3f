package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geppetto/internal/model"
	"geppetto/internal/storage"
	"geppetto/pkg/logx"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]model.Job
	rules      map[string][]model.Rule
	execs      map[string]*model.Execution
	seq        int
	failFetch  bool
	failUpdate bool
}

func newFakeStore(jobs ...model.Job) *fakeStore {
	s := &fakeStore{
		jobs:  make(map[string]model.Job),
		rules: make(map[string][]model.Rule),
		execs: make(map[string]*model.Execution),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) FetchActiveJobs(_ context.Context, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch {
		return nil, errors.New("store unavailable")
	}
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Active {
			out = append(out, j)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GetJob(_ context.Context, id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *fakeStore) UpsertJob(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeStore) FetchJobRules(_ context.Context, jobID string) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[jobID], nil
}

func (s *fakeStore) AddRule(_ context.Context, rule model.Rule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%d", len(s.rules[rule.JobID])+1)
	}
	s.rules[rule.JobID] = append(s.rules[rule.JobID], rule)
	return rule.ID, nil
}

func (s *fakeStore) CreateExecution(_ context.Context, jobID string, scheduledFor time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("exec-%d", s.seq)
	s.execs[id] = &model.Execution{
		ID:           id,
		JobID:        jobID,
		Status:       model.StatusPending,
		ScheduledFor: scheduledFor,
		CreatedAt:    time.Now().UTC(),
	}
	return id, nil
}

func (s *fakeStore) UpdateExecution(_ context.Context, id string, upd storage.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return errors.New("store unavailable")
	}
	rec, ok := s.execs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = upd.Status
	if upd.StartedAt != nil {
		rec.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		rec.FinishedAt = upd.FinishedAt
	}
	if upd.ExitCode != nil {
		rec.ExitCode = upd.ExitCode
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return model.Execution{}, storage.ErrNotFound
	}
	return *rec, nil
}

func (s *fakeStore) GetRunningExecution(_ context.Context, jobID string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.execs {
		if rec.JobID == jobID && rec.Status == model.StatusRunning {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetJobExecutions(_ context.Context, jobID string, limit int) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Execution
	for _, rec := range s.execs {
		if rec.JobID == jobID {
			out = append(out, *rec)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GetExecutionStats(_ context.Context) (map[model.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[model.Status]int64)
	for _, rec := range s.execs {
		stats[rec.Status]++
	}
	return stats, nil
}

func (s *fakeStore) Close() error { return nil }

// scriptGen renders the job's artifact as a shell script so tests can run it
// under /bin/sh and control the exit behavior.
type scriptGen struct {
	mu     sync.Mutex
	script string
	fail   bool
	calls  int
}

func (g *scriptGen) Generate(_ context.Context, _ model.Job, _ []model.Rule, outDir string) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.fail {
		return errors.New("template render failed")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "main.py"), []byte(g.script), 0o755)
}

func (g *scriptGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testExecutor(t *testing.T, store storage.Store, gen *scriptGen, mut func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		WorkDir:     t.TempDir(),
		Interpreter: "/bin/sh",
		ExecTimeout: 10 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	return NewExecutor(store, gen, logx.Nop(), cfg)
}

func withRules(store *fakeStore, jobID string, n int) {
	for i := 0; i < n; i++ {
		_, _ = store.AddRule(context.Background(), model.Rule{JobID: jobID, Name: fmt.Sprintf("r%d", i)})
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 0\n"}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)
	assert.Empty(t, rec.ErrorMessage)
}

func TestExecuteDiscrepanciesStillSuccess(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 1\n"}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)
}

func TestExecuteFailureCapturesStderr(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\necho 'db connection refused' >&2\nexit 2\n"}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	assert.Equal(t, "db connection refused", rec.ErrorMessage)
}

func TestExecuteFailureFallsBackToStdout(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\necho 'partial output'\nexit 3\n"}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "partial output", rec.ErrorMessage)
}

func TestExecuteFailureTruncatesMessage(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	script := "#!/bin/sh\nhead -c 2000 /dev/zero | tr '\\0' 'x' >&2\nexit 2\n"
	exec := testExecutor(t, store, &scriptGen{script: script}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Len(t, rec.ErrorMessage, maxErrorMessage)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nsleep 30\n"}, func(c *Config) {
		c.ExecTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimeout, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second, "subprocess must be killed at the deadline")
}

func TestExecuteNoRules(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	gen := &scriptGen{script: "#!/bin/sh\nexit 0\n"}
	exec := testExecutor(t, store, gen, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "no rules found for job j1", rec.ErrorMessage)
	assert.Zero(t, gen.callCount(), "no artifact is generated without rules")
}

func TestExecuteGeneratorFailure(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{fail: true}, nil)

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "generating artifact")
}

func TestExecuteConcurrencyGuard(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	gen := &scriptGen{script: "#!/bin/sh\nexit 0\n"}
	exec := testExecutor(t, store, gen, nil)

	// A run already marked RUNNING blocks the next occurrence.
	id, err := store.CreateExecution(context.Background(), "j1", time.Now().UTC())
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateExecution(context.Background(), id, storage.ExecutionUpdate{
		Status: model.StatusRunning, StartedAt: &now,
	}))

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, rec.Status)
	assert.Equal(t, "concurrent execution not allowed", rec.ErrorMessage)
	assert.Zero(t, gen.callCount(), "cancelled runs must not launch anything")
}

func TestExecuteAllowConcurrent(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	job.AllowConcurrent = true
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 0\n"}, nil)

	id, err := store.CreateExecution(context.Background(), "j1", time.Now().UTC())
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateExecution(context.Background(), id, storage.ExecutionUpdate{
		Status: model.StatusRunning, StartedAt: &now,
	}))

	rec, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
}

func TestExecuteStandaloneBypassesGuard(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 0\n"}, nil)

	id, err := store.CreateExecution(context.Background(), "j1", time.Now().UTC())
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateExecution(context.Background(), id, storage.ExecutionUpdate{
		Status: model.StatusRunning, StartedAt: &now,
	}))

	rec, err := exec.ExecuteStandalone(context.Background(), "j1", "2026-01-01T00:00:00Z", "2026-01-07T23:59:59Z")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
}

func TestExecuteStandaloneUnknownJob(t *testing.T) {
	t.Parallel()
	exec := testExecutor(t, newFakeStore(), &scriptGen{}, nil)
	_, err := exec.ExecuteStandalone(context.Background(), "missing", "", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArtifactLifecycle(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 0\n"}, nil)

	assert.False(t, exec.ArtifactExists("j1"))

	_, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.NoError(t, err)
	assert.True(t, exec.ArtifactExists("j1"))

	removed, err := exec.CleanupArtifact("j1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, exec.ArtifactExists("j1"))

	removed, err = exec.CleanupArtifact("j1")
	require.NoError(t, err)
	assert.False(t, removed, "second cleanup has nothing to remove")
}

func TestCleanupStale(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	exec := testExecutor(t, newFakeStore(), &scriptGen{}, func(c *Config) { c.WorkDir = workDir })

	stale := filepath.Join(workDir, "old-job")
	fresh := filepath.Join(workDir, "new-job")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := exec.CleanupStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, exec.ArtifactExists("old-job"))
	assert.True(t, exec.ArtifactExists("new-job"))
}

func TestDateRangeLookback(t *testing.T) {
	t.Parallel()
	exec := testExecutor(t, newFakeStore(), &scriptGen{}, func(c *Config) { c.LookbackDays = 3 })

	now := time.Date(2026, 1, 9, 10, 15, 0, 0, time.UTC)
	start, end := exec.dateRange(mkJob("j1", "0 * * * *"), now)
	assert.Equal(t, "2026-01-06T00:00:00Z", start)
	assert.Equal(t, "2026-01-09T23:59:59Z", end)

	perJob := mkJob("j2", "0 * * * *")
	perJob.Config = []byte(`{"type":"manual","lookback_days":7}`)
	start, _ = exec.dateRange(perJob, now)
	assert.Equal(t, "2026-01-02T00:00:00Z", start, "job config overrides the engine default")
}

func TestApplyConfigChangesLookback(t *testing.T) {
	t.Parallel()
	exec := testExecutor(t, newFakeStore(), &scriptGen{}, func(c *Config) { c.LookbackDays = 3 })

	now := time.Date(2026, 1, 9, 10, 15, 0, 0, time.UTC)
	start, _ := exec.dateRange(mkJob("j1", "0 * * * *"), now)
	assert.Equal(t, "2026-01-06T00:00:00Z", start)

	cfg := exec.config()
	cfg.LookbackDays = 5
	exec.ApplyConfig(cfg)

	start, _ = exec.dateRange(mkJob("j1", "0 * * * *"), now)
	assert.Equal(t, "2026-01-04T00:00:00Z", start)
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("例", 400)
	got := truncate(long)
	assert.LessOrEqual(t, len(got), maxErrorMessage)
	assert.True(t, utf8.ValidString(got), "truncation must not split a rune")
	assert.Equal(t, 999, len(got), "three-byte runes back off to the previous boundary")

	ascii := strings.Repeat("x", 2000)
	assert.Len(t, truncate(ascii), maxErrorMessage)
	assert.Equal(t, "short", truncate("short"))
}

func TestExecuteStoreDownBeforeStart(t *testing.T) {
	t.Parallel()
	job := mkJob("j1", "0 * * * *")
	store := newFakeStore(job)
	withRules(store, "j1", 1)
	exec := testExecutor(t, store, &scriptGen{script: "#!/bin/sh\nexit 0\n"}, nil)

	store.mu.Lock()
	store.failUpdate = true
	store.mu.Unlock()
	_, err := exec.Execute(context.Background(), Entry{Job: job, NextRun: time.Now().UTC()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marking execution running")
}
