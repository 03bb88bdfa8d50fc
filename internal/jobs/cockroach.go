package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

const jobColumns = `id, kind, dedupe_key, status, payload, attempt, max_attempts, run_after,
	worker_id, locked_until, error, created_at, updated_at, finished_at`

// CockroachQueue implements Queue on CockroachDB. Leases are taken with
// SELECT FOR UPDATE SKIP LOCKED so concurrent workers never share a job.
type CockroachQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewCockroachQueue creates a queue over an existing connection pool.
func NewCockroachQueue(db *sql.DB) *CockroachQueue {
	return &CockroachQueue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue relies on the partial unique index over active dedupe keys; a
// conflicting insert is a no-op and the existing job is returned.
func (q *CockroachQueue) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	if job == nil || job.Kind == "" {
		return nil, false, errors.New("job kind is required")
	}
	stored := job.clone()
	prepareJob(stored, q.now())

	var payload any
	if len(stored.Payload) > 0 {
		payload = []byte(stored.Payload)
	}

	var id string
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, kind, dedupe_key, status, payload, attempt, max_attempts, run_after,
			worker_id, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, '', '', $8, $8)
		ON CONFLICT (dedupe_key) WHERE dedupe_key <> '' AND status <> 'failed' DO NOTHING
		RETURNING id
	`,
		stored.ID,
		stored.Kind,
		stored.DedupeKey,
		string(stored.Status),
		payload,
		stored.MaxAttempts,
		stored.RunAfter,
		stored.CreatedAt,
	).Scan(&id)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE dedupe_key = $1 AND status <> 'failed'
		ORDER BY created_at DESC
		LIMIT 1
	`, stored.DedupeKey)
	existing, err := scanJob(row)
	if err != nil {
		return nil, false, fmt.Errorf("load deduplicated job: %w", err)
	}
	return existing, false, nil
}

func (q *CockroachQueue) Acquire(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	now := q.now()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND run_after <= $2
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(StatusQueued), now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	until := now.Add(lease)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1,
			worker_id = $2,
			locked_until = $3,
			attempt = attempt + 1,
			updated_at = $4
		WHERE id = $5
	`, string(StatusRunning), workerID, until, now, job.ID); err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	job.Status = StatusRunning
	job.WorkerID = workerID
	job.LockedUntil = &until
	job.Attempt++
	job.UpdatedAt = now
	return job, nil
}

func (q *CockroachQueue) Finish(ctx context.Context, id, workerID string, status Status, errMsg string) error {
	if !status.Terminal() {
		return errdefs.Validationf("status %q is not terminal", status)
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $1,
			error = $2,
			locked_until = NULL,
			updated_at = $3,
			finished_at = $3
		WHERE id = $4 AND status = 'running' AND worker_id = $5
	`, string(status), errMsg, now, id, workerID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return q.checkLeased(ctx, res, id, workerID)
}

func (q *CockroachQueue) Retry(ctx context.Context, id, workerID, errMsg string, runAfter time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			error = $1,
			worker_id = '',
			locked_until = NULL,
			run_after = $2,
			updated_at = $3
		WHERE id = $4 AND status = 'running' AND worker_id = $5
	`, errMsg, runAfter, q.now(), id, workerID)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return q.checkLeased(ctx, res, id, workerID)
}

func (q *CockroachQueue) RequeueStale(ctx context.Context, now time.Time) (StaleResult, error) {
	var result StaleResult
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = 'failed',
			error = 'lease expired',
			worker_id = '',
			locked_until = NULL,
			updated_at = $1,
			finished_at = $1
		WHERE status = 'running' AND locked_until < $1 AND attempt >= max_attempts
		RETURNING `+jobColumns, now)
	if err != nil {
		return result, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return result, fmt.Errorf("scan stale job: %w", err)
		}
		result.Failed = append(result.Failed, job)
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("error iterating stale jobs: %w", err)
	}

	requeued, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'queued',
			worker_id = '',
			locked_until = NULL,
			run_after = $1,
			updated_at = $1
		WHERE status = 'running' AND locked_until < $1
	`, now)
	if err != nil {
		return result, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := requeued.RowsAffected()
	result.Requeued = int(n)
	return result, nil
}

func (q *CockroachQueue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (q *CockroachQueue) checkLeased(ctx context.Context, res sql.Result, id, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return errdefs.Conflictf("job %s is not leased to %s", id, workerID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var (
		status      string
		payload     []byte
		lockedUntil sql.NullTime
		finishedAt  sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.DedupeKey,
		&status,
		&payload,
		&job.Attempt,
		&job.MaxAttempts,
		&job.RunAfter,
		&job.WorkerID,
		&lockedUntil,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if len(payload) > 0 {
		job.Payload = payload
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		job.LockedUntil = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}
