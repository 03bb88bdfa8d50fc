// Package dispatch is the synchronous entry point for chat turns. It
// persists the user's message and schedules generation without waiting
// for it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/threadgate/internal/attachments"
	"github.com/haasonsaas/threadgate/internal/dedupe"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/generation"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultMaxSteps is the step budget when neither the caller nor the agent
// sets one.
const DefaultMaxSteps = 10

// Membership answers whether a user belongs to a tenant.
type Membership interface {
	IsMember(ctx context.Context, tenantID, userID string) (bool, error)
}

// Enqueuer schedules jobs. jobs.Pool and jobs.Queue both satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error)
}

// Config configures a Dispatcher.
type Config struct {
	DefaultMaxSteps int
	Dedup           dedupe.Config
}

// Dispatcher implements chat start, thread creation and generation resume.
type Dispatcher struct {
	threads    threads.Store
	streams    *streams.Manager
	inliner    *attachments.Inliner
	evaluator  *dedupe.Evaluator
	agents     AgentResolver
	membership Membership
	queue      Enqueuer
	maxSteps   int
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// Deps groups the collaborators of a Dispatcher.
type Deps struct {
	Threads    threads.Store
	Streams    *streams.Manager
	Inliner    *attachments.Inliner
	Agents     AgentResolver
	Membership Membership
	Queue      Enqueuer
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// New creates a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	switch {
	case deps.Threads == nil:
		return nil, errors.New("dispatch: thread store is required")
	case deps.Streams == nil:
		return nil, errors.New("dispatch: stream manager is required")
	case deps.Agents == nil:
		return nil, errors.New("dispatch: agent resolver is required")
	case deps.Membership == nil:
		return nil, errors.New("dispatch: membership is required")
	case deps.Queue == nil:
		return nil, errors.New("dispatch: queue is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inliner := deps.Inliner
	if inliner == nil {
		inliner = attachments.NewInliner(attachments.NoopResolver{}, logger)
	}
	maxSteps := cfg.DefaultMaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Dispatcher{
		threads:    deps.Threads,
		streams:    deps.Streams,
		inliner:    inliner,
		evaluator:  dedupe.NewEvaluator(cfg.Dedup),
		agents:     deps.Agents,
		membership: deps.Membership,
		queue:      deps.Queue,
		maxSteps:   maxSteps,
		logger:     logger.With("component", "dispatch"),
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("threadgate/dispatch"),
	}, nil
}

// StartChatRequest is the start-chat call.
type StartChatRequest struct {
	ThreadID    string                 `json:"thread_id"`
	TenantID    string                 `json:"tenant_id"`
	Message     string                 `json:"message"`
	AgentID     string                 `json:"agent_id,omitempty"`
	MaxSteps    int                    `json:"max_steps,omitempty"`
	Attachments []models.AttachmentRef `json:"attachments,omitempty"`
}

// StartChatResult is returned as soon as generation is scheduled.
type StartChatResult struct {
	AlreadyExists   bool   `json:"already_exists"`
	StreamHandle    string `json:"stream_handle"`
	PromptMessageID string `json:"prompt_message_id"`
	JobID           string `json:"job_id,omitempty"`
}

// StartChat persists the caller's message unless it duplicates the latest
// user turn, then schedules generation and returns without waiting for it.
func (d *Dispatcher) StartChat(ctx context.Context, caller *models.User, req StartChatRequest) (_ *StartChatResult, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.start_chat", trace.WithAttributes(
		attribute.String("thread_id", req.ThreadID),
		attribute.String("tenant_id", req.TenantID),
	))
	defer func() {
		observability.EndSpan(span, err)
		if err != nil {
			d.metrics.ChatRequest("error")
		}
	}()

	thread, err := d.AuthorizeThread(ctx, caller, req.TenantID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return nil, errdefs.Validationf("message is required")
	}
	agent, err := d.agents.ResolveAgent(ctx, thread.TenantID, req.AgentID)
	if err != nil {
		return nil, err
	}

	var handle string
	if agent.Streaming {
		handle, err = d.streams.Create(ctx, thread.ID, thread.TenantID)
		if err != nil {
			return nil, err
		}
	}
	// Until the job is enqueued, a failure leaves the fresh stream orphaned.
	abandon := func(reason error) {
		if handle == "" {
			return
		}
		if _, ferr := d.streams.Finish(context.WithoutCancel(ctx), handle, models.StreamError, reason.Error()); ferr != nil {
			d.logger.Warn("failed to close abandoned stream", "stream_handle", handle, "error", ferr)
		}
	}

	recent, err := threads.RecentNonTool(ctx, d.threads, thread.ID, d.evaluator.HistoryLimit())
	if err != nil {
		abandon(err)
		return nil, fmt.Errorf("load history: %w", err)
	}
	verdict := d.evaluator.Evaluate(recent, req.Message)

	promptID := verdict.ExistingID
	var refs []models.AttachmentRef
	if !verdict.Duplicate {
		inlined := d.inliner.Inline(ctx, verdict.Text, req.Attachments)
		msg := &models.Message{
			ThreadID: thread.ID,
			TenantID: thread.TenantID,
			Role:     models.RoleUser,
			Content:  inlined.Content,
			Metadata: map[string]any{
				"author_id":             caller.ID,
				dedupe.SubmittedTextKey: verdict.Text,
			},
		}
		if len(req.Attachments) > 0 {
			msg.Metadata["attachment_refs"] = storageRefs(req.Attachments)
		}
		if err := d.threads.AppendMessage(ctx, msg); err != nil {
			abandon(err)
			return nil, fmt.Errorf("persist message: %w", err)
		}
		promptID = msg.ID
		refs = req.Attachments
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = agent.MaxSteps
	}
	if maxSteps <= 0 {
		maxSteps = d.maxSteps
	}

	job, created, err := d.schedule(ctx, generation.Invocation{
		ThreadID:        thread.ID,
		TenantID:        thread.TenantID,
		Agent:           agent,
		PromptMessageID: promptID,
		StreamHandle:    handle,
		Attachments:     refs,
		MaxSteps:        maxSteps,
		TeamScopeIDs:    agent.TeamScopeIDs,
		RequestedBy:     caller.ID,
	})
	if err != nil {
		abandon(err)
		return nil, err
	}
	if !created {
		handle = d.adoptExisting(ctx, job, handle)
	}

	outcome := "new"
	if verdict.Duplicate {
		outcome = "duplicate"
	}
	d.metrics.ChatRequest(outcome)
	span.SetAttributes(attribute.Bool("duplicate", verdict.Duplicate), attribute.String("prompt_message_id", promptID))
	d.logger.Info("chat started",
		"thread_id", thread.ID,
		"prompt_message_id", promptID,
		"duplicate", verdict.Duplicate,
		"job_id", job.ID,
		"stream_handle", handle,
	)

	return &StartChatResult{
		AlreadyExists:   verdict.Duplicate,
		StreamHandle:    handle,
		PromptMessageID: promptID,
		JobID:           job.ID,
	}, nil
}

// ResumeRequest re-schedules generation after a human answered a question.
type ResumeRequest struct {
	ThreadID        string
	TenantID        string
	PromptMessageID string
	AgentID         string
	RequestedBy     string
}

// Resume schedules a fresh generation run prompted by an existing message
// and returns the new stream handle, empty when the agent does not stream.
func (d *Dispatcher) Resume(ctx context.Context, req ResumeRequest) (string, error) {
	thread, err := d.threads.GetThread(ctx, req.ThreadID)
	if err != nil {
		return "", err
	}
	if thread.TenantID != req.TenantID {
		return "", errdefs.NotFoundf("thread %s", req.ThreadID)
	}
	agent, err := d.agents.ResolveAgent(ctx, thread.TenantID, req.AgentID)
	if err != nil {
		return "", err
	}

	var handle string
	if agent.Streaming {
		if handle, err = d.streams.Create(ctx, thread.ID, thread.TenantID); err != nil {
			return "", err
		}
	}
	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = d.maxSteps
	}
	job, created, err := d.schedule(ctx, generation.Invocation{
		ThreadID:        thread.ID,
		TenantID:        thread.TenantID,
		Agent:           agent,
		PromptMessageID: req.PromptMessageID,
		StreamHandle:    handle,
		MaxSteps:        maxSteps,
		TeamScopeIDs:    agent.TeamScopeIDs,
		RequestedBy:     req.RequestedBy,
	})
	if err != nil {
		if handle != "" {
			_, _ = d.streams.Finish(context.WithoutCancel(ctx), handle, models.StreamError, err.Error())
		}
		return "", err
	}
	if !created {
		handle = d.adoptExisting(ctx, job, handle)
	}
	d.logger.Info("generation resumed", "thread_id", thread.ID, "prompt_message_id", req.PromptMessageID, "job_id", job.ID)
	return handle, nil
}

// CreateThread opens a new thread owned by caller.
func (d *Dispatcher) CreateThread(ctx context.Context, caller *models.User, tenantID, title string) (*models.Thread, error) {
	if err := d.authorizeTenant(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	thread := &models.Thread{
		TenantID: tenantID,
		UserID:   caller.ID,
		Title:    strings.TrimSpace(title),
	}
	if err := d.threads.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	d.logger.Info("thread created", "thread_id", thread.ID, "tenant_id", tenantID)
	return thread, nil
}

// Messages returns the latest limit messages of a thread visible to caller.
func (d *Dispatcher) Messages(ctx context.Context, caller *models.User, tenantID, threadID string, limit int) ([]*models.Message, error) {
	if _, err := d.AuthorizeThread(ctx, caller, tenantID, threadID); err != nil {
		return nil, err
	}
	return d.threads.History(ctx, threadID, threads.HistoryOptions{Limit: limit})
}

// AuthorizeThread returns the thread when caller is an authenticated member
// of tenantID and owns the thread. A thread in another tenant or owned by
// someone else is reported as not found.
func (d *Dispatcher) AuthorizeThread(ctx context.Context, caller *models.User, tenantID, threadID string) (*models.Thread, error) {
	if err := d.authorizeTenant(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	thread, err := d.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.TenantID != tenantID || thread.UserID != caller.ID {
		return nil, errdefs.NotFoundf("thread %s", threadID)
	}
	return thread, nil
}

func (d *Dispatcher) authorizeTenant(ctx context.Context, caller *models.User, tenantID string) error {
	if caller == nil || caller.ID == "" {
		return errdefs.Unauthenticatedf("caller identity is required")
	}
	if tenantID == "" {
		return errdefs.Validationf("tenant_id is required")
	}
	ok, err := d.membership.IsMember(ctx, tenantID, caller.ID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return errdefs.NotFoundf("tenant %s", tenantID)
	}
	return nil
}

func (d *Dispatcher) schedule(ctx context.Context, inv generation.Invocation) (*jobs.Job, bool, error) {
	job, err := generation.NewJob(inv)
	if err != nil {
		return nil, false, fmt.Errorf("build generation job: %w", err)
	}
	stored, created, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("schedule generation: %w", err)
	}
	return stored, created, nil
}

// adoptExisting returns the stream of the run already scheduled for the same
// prompt, closing the stream allocated for this call.
func (d *Dispatcher) adoptExisting(ctx context.Context, existing *jobs.Job, fresh string) string {
	inv, err := generation.DecodeJob(existing)
	if err != nil {
		d.logger.Warn("existing generation job is unreadable", "job_id", existing.ID, "error", err)
		return fresh
	}
	if fresh != "" && fresh != inv.StreamHandle {
		if _, err := d.streams.Finish(context.WithoutCancel(ctx), fresh, models.StreamCancelled, "superseded by existing run"); err != nil {
			d.logger.Warn("failed to close superseded stream", "stream_handle", fresh, "error", err)
		}
	}
	return inv.StreamHandle
}

func storageRefs(refs []models.AttachmentRef) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.StorageRef)
	}
	return out
}
