package runner

import (
	"context"
	"time"

	"geppetto/internal/model"
)

// Refresh reconciles the queue with the store's current active job set:
// surviving jobs keep their scheduled occurrence, new jobs are queued and
// removed jobs are dropped.
func (s *Service) Refresh(ctx context.Context) error {
	jobs, err := s.store.FetchActiveJobs(ctx, s.config().MaxQueueSize)
	if err != nil {
		return err
	}
	s.queue.Refresh(jobs, time.Now().UTC())
	return nil
}

// RunNow executes a job immediately with an explicit date range, bypassing
// the queue and the concurrency guard. The scheduled occurrence, if any,
// is unaffected.
func (s *Service) RunNow(ctx context.Context, jobID, startDate, endDate string) (model.Execution, error) {
	return s.exec.ExecuteStandalone(ctx, jobID, startDate, endDate)
}

// ArtifactExists reports whether the job's generated artifact is on disk.
func (s *Service) ArtifactExists(jobID string) bool {
	return s.exec.ArtifactExists(jobID)
}

// CleanupArtifact removes the job's generated artifact, reporting whether
// anything was removed.
func (s *Service) CleanupArtifact(jobID string) (bool, error) {
	return s.exec.CleanupArtifact(jobID)
}

// CleanupStaleArtifacts removes artifacts untouched for longer than maxAge.
func (s *Service) CleanupStaleArtifacts(maxAge time.Duration) (int, error) {
	return s.exec.CleanupStale(maxAge)
}
