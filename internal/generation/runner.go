package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultHistoryLimit is how many prior messages are handed to the generator.
const DefaultHistoryLimit = 50

// failureReportTimeout bounds the writes that record a failed run.
const failureReportTimeout = 10 * time.Second

// Runner executes generation jobs. It implements jobs.Handler and
// jobs.FailureHandler.
type Runner struct {
	threads      threads.Store
	streams      *streams.Manager
	generator    Generator
	approvals    ApprovalCreator
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	historyLimit int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerMetrics records run outcomes.
func WithRunnerMetrics(metrics *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = metrics }
}

// WithHistoryLimit bounds the history passed to the generator.
func WithHistoryLimit(limit int) RunnerOption {
	return func(r *Runner) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(threadStore threads.Store, streamManager *streams.Manager, generator Generator, approvals ApprovalCreator, opts ...RunnerOption) *Runner {
	r := &Runner{
		threads:      threadStore,
		streams:      streamManager,
		generator:    generator,
		approvals:    approvals,
		logger:       slog.Default(),
		tracer:       otel.Tracer("threadgate/generation"),
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "generation")
	return r
}

// Handle runs one queued attempt of the invocation carried by job. It does
// not report failures; the pool calls HandleFailure once the job stops
// retrying.
func (r *Runner) Handle(ctx context.Context, job *jobs.Job) error {
	inv, err := DecodeJob(job)
	if err != nil {
		return jobs.Permanent(err)
	}
	return r.attempt(ctx, inv, job.Attempt)
}

// HandleFailure terminates the stream and records the failure message for a
// job the pool has given up on. It implements jobs.FailureHandler.
func (r *Runner) HandleFailure(ctx context.Context, job *jobs.Job, cause string) {
	inv, err := DecodeJob(job)
	if err != nil {
		r.logger.Error("cannot report failed generation job", "job_id", job.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
	defer cancel()
	r.fail(ctx, r.invocationLogger(inv), inv, errors.New(cause))
}

// Run executes one generation turn outside the queue. Any failure is
// reported on the stream and as a system message before it is returned.
func (r *Runner) Run(ctx context.Context, inv Invocation) error {
	err := r.attempt(ctx, inv, 1)
	if err != nil {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
		defer cancel()
		r.fail(failCtx, r.invocationLogger(inv), inv, err)
	}
	return err
}

func (r *Runner) invocationLogger(inv Invocation) *slog.Logger {
	return r.logger.With(
		"thread_id", inv.ThreadID,
		"prompt_message_id", inv.PromptMessageID,
		"stream_handle", inv.StreamHandle,
	)
}

// attempt runs the turn once. Errors wrapped with jobs.Permanent are not
// worth retrying; anything else may succeed on redelivery.
func (r *Runner) attempt(ctx context.Context, inv Invocation, attempt int) (err error) {
	ctx, span := r.tracer.Start(ctx, "generation.run", trace.WithAttributes(
		attribute.String("thread_id", inv.ThreadID),
		attribute.String("tenant_id", inv.TenantID),
		attribute.String("agent_id", inv.Agent.ID),
		attribute.String("prompt_message_id", inv.PromptMessageID),
		attribute.Int("attempt", attempt),
	))
	defer func() { observability.EndSpan(span, err) }()

	logger := r.invocationLogger(inv)

	if inv.StreamHandle != "" {
		stream, err := r.streams.Get(ctx, inv.StreamHandle)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return jobs.Permanent(err)
			}
			return err
		}
		if stream.Status.Terminal() {
			logger.Info("skipping redelivered generation", "stream_status", stream.Status)
			return nil
		}
		if attempt > 1 && stream.LastSeq > 0 {
			// Output from an earlier attempt would be duplicated otherwise.
			if _, err := r.streams.Reset(ctx, inv.StreamHandle, map[string]any{"attempt": attempt}); err != nil {
				return fmt.Errorf("reset stream: %w", err)
			}
		}
	}

	prompt, err := r.threads.GetMessage(ctx, inv.PromptMessageID)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return jobs.Permanent(err)
		}
		return err
	}
	history, err := r.history(ctx, inv.ThreadID, prompt)
	if err != nil {
		return err
	}

	started := time.Now()
	env := &runEnv{runner: r, inv: inv}
	result, genErr := r.generator.Generate(ctx, &Request{Invocation: inv, Prompt: prompt, History: history}, env)
	duration := time.Since(started).Seconds()

	if genErr != nil {
		if ctx.Err() != nil {
			// Interrupted: the stream stays open for a redelivered attempt.
			r.metrics.GenerationFinished("interrupted", duration)
			return genErr
		}
		r.metrics.GenerationFinished("error", duration)
		return jobs.Permanent(genErr)
	}
	if result == nil {
		result = &Result{}
	}

	if err := r.complete(ctx, inv, result); err != nil {
		r.metrics.GenerationFinished("error", duration)
		return jobs.Permanent(err)
	}

	status := "done"
	if result.Suspended() {
		status = "suspended"
	}
	r.metrics.GenerationFinished(status, duration)
	span.SetAttributes(attribute.Int("steps", result.Steps), attribute.String("outcome", status))
	logger.Info("generation finished", "outcome", status, "steps", result.Steps, "pending_approval_id", result.PendingApprovalID)
	return nil
}

// history returns the messages preceding prompt, oldest first.
func (r *Runner) history(ctx context.Context, threadID string, prompt *models.Message) ([]*models.Message, error) {
	msgs, err := threads.RecentNonTool(ctx, r.threads, threadID, r.historyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == prompt.ID || msg.Sequence > prompt.Sequence {
			continue
		}
		out = append(out, msg)
	}
	if len(out) > r.historyLimit {
		out = out[len(out)-r.historyLimit:]
	}
	return out, nil
}

func (r *Runner) complete(ctx context.Context, inv Invocation, result *Result) error {
	if result.Content != "" {
		msg := &models.Message{
			ThreadID: inv.ThreadID,
			TenantID: inv.TenantID,
			Role:     models.RoleAssistant,
			Content:  result.Content,
			Metadata: map[string]any{
				"agent_id":          inv.Agent.ID,
				"prompt_message_id": inv.PromptMessageID,
			},
		}
		if inv.StreamHandle != "" {
			msg.StreamStatus = models.StreamDone
			msg.Metadata["stream_handle"] = inv.StreamHandle
		}
		if result.PendingApprovalID != "" {
			msg.Metadata["pending_approval_id"] = result.PendingApprovalID
		}
		if err := r.threads.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}
	if inv.StreamHandle == "" {
		return nil
	}
	if _, err := r.streams.Finish(ctx, inv.StreamHandle, models.StreamDone, ""); err != nil {
		return fmt.Errorf("finish stream: %w", err)
	}
	return nil
}

// fail terminates the stream with an error and records a system message so
// observers can tell the run failed.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, inv Invocation, cause error) {
	logger.Error("generation failed", "error", cause)
	r.metrics.RecordError("generation", "run")

	if inv.StreamHandle != "" {
		if _, err := r.streams.Finish(ctx, inv.StreamHandle, models.StreamError, cause.Error()); err != nil && !errors.Is(err, errdefs.ErrConflict) {
			logger.Error("failed to terminate stream", "error", err)
		}
	}
	msg := &models.Message{
		ThreadID: inv.ThreadID,
		TenantID: inv.TenantID,
		Role:     models.RoleSystem,
		Content:  "Generation failed: " + cause.Error(),
		Metadata: map[string]any{
			"prompt_message_id": inv.PromptMessageID,
			"error":             cause.Error(),
		},
	}
	if inv.StreamHandle != "" {
		msg.StreamStatus = models.StreamError
	}
	if err := r.threads.AppendMessage(ctx, msg); err != nil {
		logger.Error("failed to record generation failure", "error", err)
	}
}

type runEnv struct {
	runner *Runner
	inv    Invocation
}

func (e *runEnv) EmitText(ctx context.Context, text string) error {
	if e.inv.StreamHandle == "" || text == "" {
		return nil
	}
	_, err := e.runner.streams.AppendText(ctx, e.inv.StreamHandle, text)
	return err
}

func (e *runEnv) EmitEvent(ctx context.Context, chunkType models.ChunkType, data any) error {
	if e.inv.StreamHandle == "" {
		return nil
	}
	_, err := e.runner.streams.AppendEvent(ctx, e.inv.StreamHandle, chunkType, data)
	return err
}

func (e *runEnv) RequestApproval(ctx context.Context, resourceType models.ResourceType, payload models.ApprovalPayload) (*models.Approval, error) {
	if e.runner.approvals == nil {
		return nil, errors.New("approvals are not configured")
	}
	approval, err := e.runner.approvals.Create(ctx, models.ApprovalRequest{
		TenantID:     e.inv.TenantID,
		ResourceType: resourceType,
		RequestedBy:  e.requester(),
		ThreadID:     e.inv.ThreadID,
		MessageID:    e.inv.PromptMessageID,
		AgentID:      e.inv.Agent.ID,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	event := map[string]any{
		"kind":          "approval_requested",
		"approval_id":   approval.ID,
		"resource_type": approval.ResourceType,
	}
	if err := e.EmitEvent(ctx, models.ChunkEvent, event); err != nil {
		e.runner.logger.Warn("failed to emit approval event", "approval_id", approval.ID, "error", err)
	}
	return approval, nil
}

func (e *runEnv) RequestHumanInput(ctx context.Context, payload *models.HumanInputPayload) (*models.Approval, error) {
	return e.RequestApproval(ctx, models.ResourceHumanInputRequest, payload)
}

func (e *runEnv) requester() string {
	if e.inv.RequestedBy != "" {
		return e.inv.RequestedBy
	}
	if e.inv.Agent.ID != "" {
		return "agent:" + e.inv.Agent.ID
	}
	return "agent"
}
