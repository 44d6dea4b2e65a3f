package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geppetto/internal/model"
	"geppetto/internal/storage"
	"geppetto/pkg/logx"
)

// Service owns the job queue and the control loop that dispatches due jobs.
type Service struct {
	log   logx.Logger
	cfg   Config // guarded by ctrl.mu
	store storage.Store
	exec  JobExecutor
	queue *jobQueue

	// errLim throttles repeated loop error logs so a flapping store does not
	// flood the sink at poll frequency.
	errLim *rate.Limiter

	ctrl serviceState
}

// New builds a stopped Service. Call Start to load the queue and begin
// dispatching.
func New(cfg Config, store storage.Store, exec JobExecutor, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		log:    log,
		cfg:    cfg,
		store:  store,
		exec:   exec,
		queue:  newJobQueue(log),
		errLim: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Start loads active jobs into the queue and launches the control loop.
// Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.ctrl.mu.Lock()
	defer s.ctrl.mu.Unlock()
	if s.ctrl.stopCh != nil {
		return nil
	}

	jobs, err := s.store.FetchActiveJobs(ctx, s.cfg.MaxQueueSize)
	if err != nil {
		return fmt.Errorf("loading active jobs: %w", err)
	}
	s.queue.Load(jobs, time.Now().UTC())
	s.log.Info("engine starting",
		logx.Int("jobs", s.queue.Len()),
		logx.Duration("poll_interval", s.cfg.PollInterval),
	)

	s.ctrl.stopCh = make(chan struct{})
	s.ctrl.doneCh = make(chan struct{})
	s.ctrl.running = true
	go s.loop(s.ctrl.stopCh, s.ctrl.doneCh)
	return nil
}

// ApplyConfig swaps the engine tunables at runtime and forwards them to the
// executor. The new poll interval takes effect after the current wait.
func (s *Service) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.ctrl.mu.Lock()
	s.cfg = cfg
	s.ctrl.mu.Unlock()
	s.exec.ApplyConfig(cfg)
	s.log.Info("engine config applied",
		logx.Int("max_queue_size", cfg.MaxQueueSize),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("exec_timeout", cfg.ExecTimeout),
	)
}

func (s *Service) config() Config {
	s.ctrl.mu.Lock()
	defer s.ctrl.mu.Unlock()
	return s.cfg
}

// Stop signals the loop and waits for it to drain, bounded by ctx. A run in
// flight finishes first; its subprocess is not interrupted.
func (s *Service) Stop(ctx context.Context) error {
	s.ctrl.mu.Lock()
	if s.ctrl.stopCh == nil {
		s.ctrl.mu.Unlock()
		return nil
	}
	stopCh, doneCh := s.ctrl.stopCh, s.ctrl.doneCh
	s.ctrl.stopCh = nil
	s.ctrl.doneCh = nil
	s.ctrl.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.ctrl.mu.Lock()
	s.ctrl.running = false
	s.ctrl.mu.Unlock()
	s.log.Info("engine stopped")
	return nil
}

func (s *Service) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		s.tick(ctx)

		select {
		case <-stopCh:
			return
		case <-time.After(s.config().PollInterval):
		}
	}
}

// tick runs one scheduling cycle: heartbeat, pop a due entry, reconcile the
// queue against the store, execute and reschedule. Panics and errors are
// contained so the loop always survives.
func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.ctrl.mu.Lock()
			s.ctrl.executing = ""
			s.ctrl.mu.Unlock()
			if s.errLim.Allow() {
				s.log.Error("scheduler cycle panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}
	}()

	now := time.Now().UTC()
	s.ctrl.mu.Lock()
	s.ctrl.heartbeat = now
	s.ctrl.mu.Unlock()

	entry, ok := s.queue.PopIfDue(now)
	if !ok {
		return
	}
	jobID := entry.Job.ID

	// Close the due-but-changed race: adopt the freshest job definition and
	// drop the run entirely if the job went inactive since it was queued.
	jobs, err := s.store.FetchActiveJobs(ctx, s.config().MaxQueueSize)
	if err != nil {
		s.queue.restore(entry)
		if s.errLim.Allow() {
			s.log.Error("refreshing jobs before dispatch", logx.Err(err))
		}
		return
	}
	s.queue.Refresh(jobs, now)

	job, ok := s.queue.Job(jobID)
	if !ok {
		s.log.Info("job no longer active, skipping run", logx.String("job", jobID))
		return
	}
	entry.Job = job

	s.ctrl.mu.Lock()
	s.ctrl.executing = jobID
	s.ctrl.mu.Unlock()

	rec, err := s.exec.Execute(ctx, entry)

	s.ctrl.mu.Lock()
	s.ctrl.executing = ""
	s.ctrl.total++
	switch {
	case err != nil:
		s.ctrl.failed++
	case rec.Status == model.StatusSuccess:
		s.ctrl.success++
	default:
		s.ctrl.failed++
	}
	s.ctrl.mu.Unlock()

	if err != nil {
		if s.errLim.Allow() {
			s.log.Error("executing job", logx.String("job", jobID), logx.Err(err))
		}
	} else {
		s.log.Info("execution finished",
			logx.String("job", jobID),
			logx.String("execution", rec.ID),
			logx.String("status", string(rec.Status)),
		)
	}

	if _, still := s.queue.Job(jobID); still {
		s.queue.Reinsert(job, time.Now().UTC())
	}
}

type serviceState struct {
	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	executing string
	heartbeat time.Time
	total     uint64
	success   uint64
	failed    uint64
}
