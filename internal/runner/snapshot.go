package runner

import "time"

// Status is a read-only view of the engine state, safe to serialize.
type Status struct {
	Running              bool      `json:"running"`
	QueueDepth           int       `json:"queue_depth"`
	CurrentlyExecuting   string    `json:"currently_executing,omitempty"`
	LastHeartbeat        time.Time `json:"last_heartbeat"`
	TotalExecutions      uint64    `json:"total_executions"`
	SuccessfulExecutions uint64    `json:"successful_executions"`
	FailedExecutions     uint64    `json:"failed_executions"`
}

// QueueEntry is one scheduled occurrence in a queue snapshot.
type QueueEntry struct {
	JobID   string    `json:"job_id"`
	JobName string    `json:"job_name"`
	NextRun time.Time `json:"next_run"`
}

// Status reports the engine's aggregate counters and liveness.
func (s *Service) Status() Status {
	s.ctrl.mu.Lock()
	defer s.ctrl.mu.Unlock()
	return Status{
		Running:              s.ctrl.running,
		QueueDepth:           s.queue.Len(),
		CurrentlyExecuting:   s.ctrl.executing,
		LastHeartbeat:        s.ctrl.heartbeat,
		TotalExecutions:      s.ctrl.total,
		SuccessfulExecutions: s.ctrl.success,
		FailedExecutions:     s.ctrl.failed,
	}
}

// QueueSnapshot lists scheduled entries ordered by (next run, job id).
func (s *Service) QueueSnapshot() []QueueEntry {
	entries := s.queue.Snapshot()
	out := make([]QueueEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, QueueEntry{JobID: e.Job.ID, JobName: e.Job.Name, NextRun: e.NextRun})
	}
	return out
}
