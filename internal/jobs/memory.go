package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

// MemoryQueue is a single-process Queue.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: map[string]*Job{}, now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	if job == nil || job.Kind == "" {
		return nil, false, errors.New("job kind is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.DedupeKey != "" {
		for _, existing := range q.jobs {
			if existing.DedupeKey == job.DedupeKey && existing.Status != StatusFailed {
				return existing.clone(), false, nil
			}
		}
	}

	stored := job.clone()
	prepareJob(stored, q.now())
	if _, exists := q.jobs[stored.ID]; exists {
		return nil, false, errdefs.Conflictf("job %s already exists", stored.ID)
	}
	q.jobs[stored.ID] = stored
	return stored.clone(), true, nil
}

func (q *MemoryQueue) Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var runnable []*Job
	for _, job := range q.jobs {
		if job.Status == StatusQueued && !job.RunAfter.After(now) {
			runnable = append(runnable, job)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].RunAfter.Equal(runnable[j].RunAfter) {
			return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
		}
		return runnable[i].RunAfter.Before(runnable[j].RunAfter)
	})

	job := runnable[0]
	until := now.Add(lease)
	job.Status = StatusRunning
	job.WorkerID = workerID
	job.LockedUntil = &until
	job.Attempt++
	job.UpdatedAt = now
	return job.clone(), nil
}

func (q *MemoryQueue) Finish(ctx context.Context, id, workerID string, status Status, errMsg string) error {
	if !status.Terminal() {
		return errdefs.Validationf("status %q is not terminal", status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.leased(id, workerID)
	if err != nil {
		return err
	}
	now := q.now()
	job.Status = status
	job.Error = errMsg
	job.LockedUntil = nil
	job.UpdatedAt = now
	job.FinishedAt = &now
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id, workerID, errMsg string, runAfter time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.leased(id, workerID)
	if err != nil {
		return err
	}
	job.Status = StatusQueued
	job.Error = errMsg
	job.WorkerID = ""
	job.LockedUntil = nil
	job.RunAfter = runAfter
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, now time.Time) (StaleResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var result StaleResult
	for _, job := range q.jobs {
		if job.Status != StatusRunning || job.LockedUntil == nil || !job.LockedUntil.Before(now) {
			continue
		}
		job.WorkerID = ""
		job.LockedUntil = nil
		job.UpdatedAt = now
		if job.Attempt >= job.MaxAttempts {
			job.Status = StatusFailed
			job.Error = "lease expired"
			finished := now
			job.FinishedAt = &finished
			result.Failed = append(result.Failed, job.clone())
			continue
		}
		job.Status = StatusQueued
		job.RunAfter = now
		result.Requeued++
	}
	return result, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, errdefs.NotFoundf("job %s", id)
	}
	return job.clone(), nil
}

func (q *MemoryQueue) leased(id, workerID string) (*Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, errdefs.NotFoundf("job %s", id)
	}
	if job.Status != StatusRunning || job.WorkerID != workerID {
		return nil, errdefs.Conflictf("job %s is not leased to %s", id, workerID)
	}
	return job, nil
}

func prepareJob(job *Job, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	job.Status = StatusQueued
	job.Attempt = 0
	job.WorkerID = ""
	job.LockedUntil = nil
	job.FinishedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
}
