package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadgate/internal/backoff"
	"github.com/haasonsaas/threadgate/internal/observability"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// WorkerID identifies this pool when leasing jobs. Defaults to a UUID.
	WorkerID string

	// AcquireInterval is how often the pool polls for runnable jobs when it
	// has not been woken. Defaults to 1 second.
	AcquireInterval time.Duration

	// LockDuration is the lease length. It should exceed JobTimeout.
	// Defaults to 10 minutes.
	LockDuration time.Duration

	// JobTimeout bounds a single handler invocation. Defaults to 5 minutes.
	JobTimeout time.Duration

	// MaxConcurrency is the number of jobs run at once. Defaults to 5.
	MaxConcurrency int

	// CleanupInterval is how often expired leases are requeued.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	// BaseBackoff and MaxBackoff bound the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerID:        uuid.NewString(),
		AcquireInterval: 1 * time.Second,
		LockDuration:    10 * time.Minute,
		JobTimeout:      5 * time.Minute,
		MaxConcurrency:  5,
		CleanupInterval: 1 * time.Minute,
		BaseBackoff:     2 * time.Second,
		MaxBackoff:      2 * time.Minute,
	}
}

// Pool leases jobs from a Queue and dispatches them to handlers by kind.
type Pool struct {
	queue    Queue
	config   PoolConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	handlers map[string]Handler

	sem    chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
	now     func() time.Time
}

// NewPool creates a pool. Register handlers before calling Start.
func NewPool(queue Queue, config PoolConfig) *Pool {
	defaults := DefaultPoolConfig()
	if config.WorkerID == "" {
		config.WorkerID = defaults.WorkerID
	}
	if config.AcquireInterval <= 0 {
		config.AcquireInterval = defaults.AcquireInterval
	}
	if config.LockDuration <= 0 {
		config.LockDuration = defaults.LockDuration
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:    queue,
		config:   config,
		logger:   logger.With("component", "job-pool"),
		metrics:  config.Metrics,
		handlers: map[string]Handler{},
		sem:      make(chan struct{}, config.MaxConcurrency),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Register binds a handler to a job kind.
func (p *Pool) Register(kind string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

// Enqueue stores job and wakes the acquire loop when a new job was created.
func (p *Pool) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	stored, created, err := p.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return stored, created, nil
}

// Start begins the acquire and cleanup loops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("starting job pool",
		"worker_id", p.config.WorkerID,
		"max_concurrency", p.config.MaxConcurrency,
	)

	p.wg.Add(2)
	go p.acquireLoop(ctx)
	go p.cleanupLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for in-flight jobs or ctx expiry.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("stopping job pool", "worker_id", p.config.WorkerID)
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("job pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns whether the pool loops are active.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// WorkerID returns the lease owner identity of this pool.
func (p *Pool) WorkerID() string {
	return p.config.WorkerID
}

func (p *Pool) acquireLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.AcquireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		// Drain as many runnable jobs as capacity allows.
		for p.tryAcquire(ctx) {
		}
	}
}

// tryAcquire leases and starts one job. It reports whether a job started.
func (p *Pool) tryAcquire(ctx context.Context) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}

	job, err := p.queue.Acquire(ctx, p.config.WorkerID, p.config.LockDuration)
	if err != nil {
		<-p.sem
		if ctx.Err() == nil {
			p.logger.Error("failed to acquire job", "error", err)
			p.metrics.RecordError("job-pool", "acquire")
		}
		return false
	}
	if job == nil {
		<-p.sem
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.run(ctx, job)
	}()
	return true
}

func (p *Pool) run(ctx context.Context, job *Job) {
	logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)

	p.mu.RLock()
	handler, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		logger.Error("no handler registered for job kind")
		p.finish(ctx, logger, job, StatusFailed, fmt.Sprintf("no handler for kind %q", job.Kind))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	err := p.invoke(runCtx, handler, job)
	switch {
	case err == nil:
		p.finish(ctx, logger, job, StatusSucceeded, "")
	case ctx.Err() != nil:
		// Shutting down; the lease expires and another worker picks it up.
		logger.Warn("job interrupted by shutdown", "error", err)
	case IsPermanent(err) || job.Attempt >= job.MaxAttempts:
		logger.Error("job failed", "error", err)
		if p.finish(ctx, logger, job, StatusFailed, err.Error()) {
			p.reportFailure(ctx, logger, handler, job, err.Error())
		}
	default:
		delay := p.backoff(job.Attempt)
		logger.Warn("job failed, retrying", "error", err, "delay", delay)
		if rerr := p.queue.Retry(ctx, job.ID, p.config.WorkerID, err.Error(), p.now().Add(delay)); rerr != nil {
			logger.Error("failed to schedule retry", "error", rerr)
			return
		}
		p.metrics.JobOutcome(job.Kind, "retried")
	}
}

func (p *Pool) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, job)
}

func (p *Pool) finish(ctx context.Context, logger *slog.Logger, job *Job, status Status, errMsg string) bool {
	if err := p.queue.Finish(ctx, job.ID, p.config.WorkerID, status, errMsg); err != nil {
		logger.Error("failed to record job outcome", "status", status, "error", err)
		return false
	}
	p.metrics.JobOutcome(job.Kind, string(status))
	logger.Info("job finished", "status", status)
	return true
}

// reportFailure runs the handler's failure hook, if it has one. The hook gets
// the pool context since the job context is usually what expired.
func (p *Pool) reportFailure(ctx context.Context, logger *slog.Logger, handler Handler, job *Job, cause string) {
	fh, ok := handler.(FailureHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("failure hook panicked", "panic", r)
		}
	}()
	fh.HandleFailure(ctx, job, cause)
}

func (p *Pool) backoff(attempt int) time.Duration {
	return backoff.Policy{
		Initial: p.config.BaseBackoff,
		Max:     p.config.MaxBackoff,
		Factor:  2,
	}.Delay(attempt)
}

func (p *Pool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.requeueStale(ctx)
		}
	}
}

func (p *Pool) requeueStale(ctx context.Context) {
	result, err := p.queue.RequeueStale(ctx, p.now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to requeue stale jobs", "error", err)
		}
		return
	}
	if result.Requeued > 0 {
		p.logger.Warn("requeued stale jobs", "count", result.Requeued)
	}
	for _, job := range result.Failed {
		logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		logger.Error("job failed", "error", job.Error)
		p.metrics.JobOutcome(job.Kind, string(StatusFailed))

		p.mu.RLock()
		handler, ok := p.handlers[job.Kind]
		p.mu.RUnlock()
		if ok {
			p.reportFailure(ctx, logger, handler, job, job.Error)
		}
	}
}
