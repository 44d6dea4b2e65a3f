package runner

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"geppetto/internal/model"
	"geppetto/internal/schedule"
	"geppetto/pkg/logx"
)

// jobQueue is a min-heap of scheduled entries keyed by (next run, job id),
// with at most one entry per job. All methods are safe for concurrent use.
type jobQueue struct {
	mu    sync.Mutex
	log   logx.Logger
	items entryHeap
	byID  map[string]*queueItem
}

type queueItem struct {
	job     model.Job
	nextRun time.Time
	index   int
}

func newJobQueue(log logx.Logger) *jobQueue {
	return &jobQueue{log: log, byID: make(map[string]*queueItem)}
}

// Load replaces the queue contents with fresh occurrences for jobs, computed
// strictly after now. Jobs with unresolvable schedules are skipped with a
// warning; duplicate ids keep the first occurrence seen.
func (q *jobQueue) Load(jobs []model.Job, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	q.byID = make(map[string]*queueItem, len(jobs))
	for _, job := range jobs {
		if _, dup := q.byID[job.ID]; dup {
			continue
		}
		next, err := schedule.Next(job.CronExpr, job.Timezone, now)
		if err != nil {
			q.log.Warn("skipping job with invalid schedule",
				logx.String("job", job.ID),
				logx.String("cron", job.CronExpr),
				logx.Err(err),
			)
			continue
		}
		q.pushLocked(&queueItem{job: job, nextRun: next})
	}
	heap.Init(&q.items)
}

// Refresh reconciles the queue with jobs: entries for jobs still present keep
// their next run (but adopt the fetched job definition), newly appearing jobs
// get a fresh occurrence after now and entries for absent jobs are dropped.
func (q *jobQueue) Refresh(jobs []model.Job, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	old := q.byID
	q.items = q.items[:0]
	q.byID = make(map[string]*queueItem, len(jobs))
	for _, job := range jobs {
		if _, dup := q.byID[job.ID]; dup {
			continue
		}
		nextRun := time.Time{}
		if prev, ok := old[job.ID]; ok {
			nextRun = prev.nextRun
		} else {
			next, err := schedule.Next(job.CronExpr, job.Timezone, now)
			if err != nil {
				q.log.Warn("skipping job with invalid schedule",
					logx.String("job", job.ID),
					logx.String("cron", job.CronExpr),
					logx.Err(err),
				)
				continue
			}
			nextRun = next
		}
		q.pushLocked(&queueItem{job: job, nextRun: nextRun})
	}
	heap.Init(&q.items)
}

// Peek returns the earliest entry without removing it.
func (q *jobQueue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	top := q.items[0]
	return Entry{Job: top.job, NextRun: top.nextRun}, true
}

// PopIfDue removes and returns the earliest entry when its next run is at or
// before now. Entries that are not yet due stay put.
func (q *jobQueue) PopIfDue(now time.Time) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	top := q.items[0]
	if top.nextRun.After(now) {
		return Entry{}, false
	}
	heap.Pop(&q.items)
	delete(q.byID, top.job.ID)
	return Entry{Job: top.job, NextRun: top.nextRun}, true
}

// Reinsert schedules job's next occurrence strictly after now, replacing any
// existing entry for it. A schedule that no longer resolves removes the job
// from the queue with a warning.
func (q *jobQueue) Reinsert(job model.Job, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, err := schedule.Next(job.CronExpr, job.Timezone, now)
	if err != nil {
		q.log.Warn("dropping job with invalid schedule",
			logx.String("job", job.ID),
			logx.String("cron", job.CronExpr),
			logx.Err(err),
		)
		if it, ok := q.byID[job.ID]; ok {
			heap.Remove(&q.items, it.index)
			delete(q.byID, job.ID)
		}
		return
	}

	if it, ok := q.byID[job.ID]; ok {
		it.job = job
		it.nextRun = next
		heap.Fix(&q.items, it.index)
		return
	}
	it := &queueItem{job: job, nextRun: next}
	q.byID[job.ID] = it
	heap.Push(&q.items, it)
}

// restore puts a previously popped entry back untouched. Used when dispatch
// has to be abandoned before execution; no-op if the job was re-queued since.
func (q *jobQueue) restore(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[e.Job.ID]; ok {
		return
	}
	it := &queueItem{job: e.Job, nextRun: e.NextRun}
	q.byID[e.Job.ID] = it
	heap.Push(&q.items, it)
}

// Job returns the queued definition of a job, if scheduled.
func (q *jobQueue) Job(id string) (model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return model.Job{}, false
	}
	return it.job, true
}

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns all entries ordered by (next run, job id).
func (q *jobQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, Entry{Job: it.job, NextRun: it.nextRun})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].Job.ID < out[j].Job.ID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// pushLocked appends without sifting; callers follow up with heap.Init.
func (q *jobQueue) pushLocked(it *queueItem) {
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byID[it.job.ID] = it
}

type entryHeap []*queueItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].nextRun.Equal(h[j].nextRun) {
		return h[i].job.ID < h[j].job.ID
	}
	return h[i].nextRun.Before(h[j].nextRun)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
