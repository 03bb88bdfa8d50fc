package automations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

const defaultDueBatch = 50

// Scheduler fires due automations: the prompt is posted into the
// automation's thread and generation is scheduled for it.
type Scheduler struct {
	store        Store
	threads      threads.Store
	resumer      Resumer
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "automations")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the poll interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler over the automation store.
func NewScheduler(store Store, threadStore threads.Store, resumer Resumer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		threads:      threadStore,
		resumer:      resumer,
		logger:       slog.Default().With("component", "automations"),
		now:          func() time.Time { return time.Now().UTC() },
		tickInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the poll loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop waits for the poll loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every due automation and returns how many ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	due, err := s.store.Due(ctx, now, defaultDueBatch)
	if err != nil {
		s.logger.Error("failed to load due automations", "error", err)
		return 0
	}
	for _, a := range due {
		runErr := s.fire(ctx, a)
		run := RunResult{RanAt: now}
		if runErr != nil {
			run.Error = runErr.Error()
			s.logger.Warn("automation run failed", "automation_id", a.ID, "error", runErr)
		}
		if schedule, err := ParseSchedule(a.Schedule, a.Timezone); err != nil {
			run.Error = err.Error()
		} else if next, ok := schedule.Next(now); ok {
			run.NextRunAt = &next
		}
		if err := s.store.RecordRun(ctx, a.ID, run); err != nil {
			s.logger.Error("failed to record automation run", "automation_id", a.ID, "error", err)
		}
	}
	return len(due)
}

func (s *Scheduler) fire(ctx context.Context, a *Automation) error {
	if a.ThreadID == "" {
		// Nothing to post into; only the schedule advances.
		return nil
	}
	msg := &models.Message{
		ThreadID: a.ThreadID,
		TenantID: a.TenantID,
		Role:     models.RoleUser,
		Content:  a.Prompt,
		Metadata: map[string]any{
			"automation_id": a.ID,
			"author_id":     a.CreatedBy,
		},
	}
	if err := s.threads.AppendMessage(ctx, msg); err != nil {
		return err
	}
	handle, err := s.resumer.Resume(ctx, dispatch.ResumeRequest{
		ThreadID:        a.ThreadID,
		TenantID:        a.TenantID,
		PromptMessageID: msg.ID,
		AgentID:         a.AgentID,
		RequestedBy:     "automation:" + a.ID,
	})
	if err != nil {
		return err
	}
	s.logger.Info("automation fired", "automation_id", a.ID, "thread_id", a.ThreadID, "stream_handle", handle)
	return nil
}
