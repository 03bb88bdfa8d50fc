// Package jobs is a durable at-least-once work queue.
//
// Jobs are leased to one worker at a time. A lease that expires before the
// worker reports an outcome is returned to the queue by RequeueStale, so a
// handler may observe the same job more than once.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// DefaultMaxAttempts applies when a job is enqueued without MaxAttempts.
const DefaultMaxAttempts = 3

// Job is one unit of queued work.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	// DedupeKey collapses enqueues while a job with the same key is queued,
	// running or succeeded. Failed jobs do not block a new enqueue.
	DedupeKey string `json:"dedupe_key,omitempty"`

	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	WorkerID    string          `json:"worker_id,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Queue persists jobs and hands out leases.
type Queue interface {
	// Enqueue stores job. When another job with the same DedupeKey is
	// active or succeeded, that job is returned with created=false.
	Enqueue(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	// Acquire leases the oldest runnable job to workerID. It returns nil
	// when nothing is runnable.
	Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Finish records a terminal outcome for a job leased to workerID.
	Finish(ctx context.Context, id, workerID string, status Status, errMsg string) error

	// Retry releases the lease and makes the job runnable again at runAfter.
	Retry(ctx context.Context, id, workerID, errMsg string, runAfter time.Time) error

	// RequeueStale returns jobs with expired leases to the queue, failing
	// those that have used all attempts.
	RequeueStale(ctx context.Context, now time.Time) (StaleResult, error)

	Get(ctx context.Context, id string) (*Job, error)
}

// Handler processes jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// FailureHandler is implemented by handlers that need to react once a job
// of their kind ends failed, whether from a permanent error, exhausted
// retries or an expired final lease. It is called at most once per job by the
// pool that recorded the failure.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job *Job, cause string)
}

// StaleResult reports what RequeueStale did.
type StaleResult struct {
	Requeued int
	// Failed holds the jobs failed because their final lease expired.
	Failed []*Job
}

// Count is the number of jobs touched.
func (r StaleResult) Count() int { return r.Requeued + len(r.Failed) }

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
