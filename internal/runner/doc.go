// Package runner is the scheduling and execution engine.
//
// # Overview
//
// The runner keeps a min-heap of scheduled jobs keyed by (next_run, job_id)
// and drives a single control loop that pops due entries, executes them as
// bounded subprocesses and reschedules them. Executions are recorded as
// audit rows that move through a one-directional lifecycle
// (PENDING -> RUNNING -> SUCCESS | FAILED | CANCELLED | TIMEOUT).
//
// # Scheduling policy
//
// Occurrences are always computed strictly forward from "now": a job that was
// due but delayed does not queue up missed runs, it schedules its next
// occurrence from completion time. Before dispatching a due job the loop
// re-fetches the active job list and reconciles the queue, closing the race
// where a job was deactivated or reconfigured between being queued and
// becoming due.
//
// # Concurrency
//
// Executions run synchronously inside the loop: while one job's subprocess is
// active no other due job can start. This serializes resource usage at the
// cost of throughput; dispatching each due job onto its own worker (keeping
// queue mutation serialized) would be a drop-in alternative.
//
// # Failure handling
//
// All per-job errors during a run are captured and converted into a terminal
// execution status; the loop itself only ever exits via Stop.
package runner
