// Package approvals implements the approval state machine: pending records
// are decided exactly once, approved records are executed at most once, and
// human-input requests resume the conversation when answered.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// Executor performs the side effect of an approved record.
type Executor interface {
	Execute(ctx context.Context, approval *models.Approval) (json.RawMessage, error)
}

// PayloadValidator is implemented by executors that can reject a payload
// before the approval is created, such as an unknown operation.
type PayloadValidator interface {
	ValidatePayload(ctx context.Context, payload models.ApprovalPayload) error
}

// Resumer schedules a new generation run after a human answered.
type Resumer interface {
	Resume(ctx context.Context, req dispatch.ResumeRequest) (string, error)
}

// Service coordinates approval creation, decisions and execution.
type Service struct {
	store      Store
	threads    threads.Store
	membership dispatch.Membership
	resumer    Resumer
	executors  map[models.ResourceType]Executor
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store      Store
	Threads    threads.Store
	Membership dispatch.Membership
	Resumer    Resumer
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// NewService creates a Service. Register executors before serving traffic.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Threads == nil || deps.Membership == nil {
		return nil, errors.New("approvals: store, threads and membership are required")
	}
	if err := initMetadataSchemas(); err != nil {
		return nil, fmt.Errorf("approvals: compile metadata schemas: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      deps.Store,
		threads:    deps.Threads,
		membership: deps.Membership,
		resumer:    deps.Resumer,
		executors:  map[models.ResourceType]Executor{},
		logger:     logger.With("component", "approvals"),
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("threadgate/approvals"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// RegisterExecutor binds the execution step for a resource type.
func (s *Service) RegisterExecutor(resourceType models.ResourceType, executor Executor) {
	s.executors[resourceType] = executor
}

// Create validates req and stores a pending approval. It is the callback
// used by generation runs.
func (s *Service) Create(ctx context.Context, req models.ApprovalRequest) (*models.Approval, error) {
	if req.TenantID == "" {
		return nil, errdefs.Validationf("tenant_id is required")
	}
	if !req.ResourceType.Valid() {
		return nil, errdefs.Validationf("invalid resource type %q", req.ResourceType)
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, errdefs.Validationf("invalid priority %q", priority)
	}

	payload, err := s.payloadFor(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.ThreadID != "" {
		thread, err := s.threads.GetThread(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
		if thread.TenantID != req.TenantID {
			return nil, errdefs.NotFoundf("thread %s", req.ThreadID)
		}
	}

	now := s.now()
	approval := &models.Approval{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Priority:     priority,
		Status:       models.ApprovalPending,
		RequestedBy:  req.RequestedBy,
		ThreadID:     req.ThreadID,
		MessageID:    req.MessageID,
		AgentID:      req.AgentID,
		Payload:      payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, approval); err != nil {
		return nil, err
	}
	s.metrics.ApprovalCreated(string(approval.ResourceType))
	s.logger.Info("approval created",
		"approval_id", approval.ID,
		"resource_type", approval.ResourceType,
		"thread_id", approval.ThreadID,
		"priority", approval.Priority,
	)
	return approval, nil
}

// CreateForCaller creates an approval on behalf of an authenticated member.
func (s *Service) CreateForCaller(ctx context.Context, caller *models.User, req models.ApprovalRequest) (*models.Approval, error) {
	if err := s.authorize(ctx, caller, req.TenantID); err != nil {
		return nil, err
	}
	req.RequestedBy = caller.ID
	return s.Create(ctx, req)
}

// payloadFor resolves the typed payload, validating raw metadata against the
// resource type's schema first.
func (s *Service) payloadFor(ctx context.Context, req models.ApprovalRequest) (models.ApprovalPayload, error) {
	payload := req.Payload
	if payload == nil {
		if err := validateMetadata(req.ResourceType, req.Metadata); err != nil {
			return nil, errdefs.Validationf("%s metadata: %v", req.ResourceType, err)
		}
		decoded, err := models.DecodePayload(req.ResourceType, req.Metadata)
		if err != nil {
			return nil, errdefs.Validationf("%v", err)
		}
		payload = decoded
	}
	if payload.ResourceType() != req.ResourceType {
		return nil, errdefs.Validationf("payload of type %s does not match resource type %s", payload.ResourceType(), req.ResourceType)
	}
	if human, ok := payload.(*models.HumanInputPayload); ok {
		if human.Response != nil {
			return nil, errdefs.Validationf("human input request cannot be created with a response")
		}
		human.Normalize()
	}
	if err := payload.Validate(); err != nil {
		return nil, errdefs.Validationf("%s: %v", req.ResourceType, err)
	}
	if validator, ok := s.executors[req.ResourceType].(PayloadValidator); ok {
		if err := validator.ValidatePayload(ctx, payload); err != nil {
			if errors.Is(err, errdefs.ErrValidation) {
				return nil, err
			}
			return nil, errdefs.Validationf("%v", err)
		}
	}
	return payload, nil
}

// Get returns an approval visible to caller.
func (s *Service) Get(ctx context.Context, caller *models.User, id string) (*models.Approval, error) {
	approval, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, approval.TenantID); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, errdefs.NotFoundf("approval %s", id)
		}
		return nil, err
	}
	return approval, nil
}

// ListForThread lists a thread's approvals. An empty status lists pending
// approvals.
func (s *Service) ListForThread(ctx context.Context, caller *models.User, tenantID, threadID string, opts ListOptions) ([]*models.Approval, error) {
	if err := s.authorize(ctx, caller, tenantID); err != nil {
		return nil, err
	}
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.TenantID != tenantID {
		return nil, errdefs.NotFoundf("thread %s", threadID)
	}
	if opts.ResourceType != "" && !opts.ResourceType.Valid() {
		return nil, errdefs.Validationf("invalid resource type %q", opts.ResourceType)
	}
	if opts.Status == "" {
		opts.Status = models.ApprovalPending
	}
	opts.ThreadID = threadID
	return s.store.List(ctx, tenantID, opts)
}

// Decide approves or rejects a pending approval. Approval triggers the
// resource type's execution step; an execution failure is recorded on the
// approval and does not undo the decision.
func (s *Service) Decide(ctx context.Context, caller *models.User, id string, decision models.ApprovalStatus, comments string) (_ *models.Approval, err error) {
	ctx, span := s.tracer.Start(ctx, "approvals.decide", trace.WithAttributes(
		attribute.String("approval_id", id),
		attribute.String("decision", string(decision)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return nil, errdefs.Validationf("decision must be approved or rejected")
	}
	current, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if current.ResourceType == models.ResourceHumanInputRequest {
		return nil, errdefs.Validationf("human input requests are resolved with a response")
	}
	if current.Status != models.ApprovalPending {
		return nil, errdefs.Conflictf("approval %s is already %s", id, current.Status)
	}

	decided, err := s.store.Decide(ctx, id, Decision{
		Status:    decision,
		DecidedBy: caller.ID,
		DecidedAt: s.now(),
		Comments:  strings.TrimSpace(comments),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ApprovalDecided(string(decided.ResourceType), string(decision))
	s.logger.Info("approval decided", "approval_id", id, "decision", decision, "decided_by", caller.ID)

	if decision != models.ApprovalApproved || s.executors[decided.ResourceType] == nil {
		return decided, nil
	}
	executed, execErr := s.execute(ctx, decided)
	if execErr != nil && executed == nil {
		// The decision stands even when execution could not run.
		s.logger.Error("execution after approval failed", "approval_id", id, "error", execErr)
		return decided, nil
	}
	return executed, nil
}

// Execute runs the execution step of an approved, not yet executed approval.
func (s *Service) Execute(ctx context.Context, caller *models.User, id string) (*models.Approval, error) {
	approval, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, approval)
}

// execute claims, runs and records execution. A non-nil approval with a
// non-nil error means the side effect failed and the failure was recorded.
func (s *Service) execute(ctx context.Context, approval *models.Approval) (_ *models.Approval, err error) {
	ctx, span := s.tracer.Start(ctx, "approvals.execute", trace.WithAttributes(
		attribute.String("approval_id", approval.ID),
		attribute.String("resource_type", string(approval.ResourceType)),
	))
	defer func() { observability.EndSpan(span, err) }()

	if approval.Status != models.ApprovalApproved {
		return nil, errdefs.Conflictf("approval %s is %s, not approved", approval.ID, approval.Status)
	}
	executor := s.executors[approval.ResourceType]
	if executor == nil {
		return nil, errdefs.Validationf("resource type %s has no execution step", approval.ResourceType)
	}

	claimed, err := s.store.ClaimExecution(ctx, approval.ID, s.now())
	if err != nil {
		return nil, err
	}

	result, runErr := executor.Execute(ctx, claimed)
	executedAt := s.now()
	outcome := models.ExecutionOutcome{ExecutedAt: &executedAt}
	if runErr != nil {
		outcome.Error = runErr.Error()
	} else {
		outcome.Result = result
	}

	recorded, err := s.store.RecordExecution(context.WithoutCancel(ctx), approval.ID, outcome)
	if err != nil {
		s.logger.Error("failed to record execution outcome", "approval_id", approval.ID, "error", err, "execution_error", runErr)
		return nil, fmt.Errorf("record execution: %w", err)
	}

	if runErr != nil {
		s.metrics.ApprovalExecuted(string(approval.ResourceType), "error")
		s.logger.Warn("approval execution failed", "approval_id", approval.ID, "error", runErr)
		return recorded, errdefs.Executionf("%v", runErr)
	}
	s.metrics.ApprovalExecuted(string(approval.ResourceType), "success")
	s.logger.Info("approval executed", "approval_id", approval.ID, "resource_type", approval.ResourceType)
	return recorded, nil
}

// RespondResult is returned after a human-input response is recorded.
type RespondResult struct {
	Success      bool             `json:"success"`
	ThreadID     string           `json:"thread_id"`
	StreamHandle string           `json:"stream_handle"`
	MessageID    string           `json:"message_id,omitempty"`
	Approval     *models.Approval `json:"approval"`
}

// Respond answers a pending human-input request: the response is recorded,
// the approval becomes approved, a summary user message is appended to the
// thread and generation is re-scheduled with it as the prompt.
//
// The approved transition comes first so only one answer can win. The
// follow-up steps are keyed on the approval ID, so the responder repeating
// the same answer completes them if an earlier call stopped half way. A
// different answer, or another caller, gets errdefs.ErrConflict.
func (s *Service) Respond(ctx context.Context, caller *models.User, id string, response models.ResponseValue) (_ *RespondResult, err error) {
	ctx, span := s.tracer.Start(ctx, "approvals.respond", trace.WithAttributes(attribute.String("approval_id", id)))
	defer func() { observability.EndSpan(span, err) }()

	current, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if current.ResourceType != models.ResourceHumanInputRequest {
		return nil, errdefs.Validationf("approval %s is not a human input request", id)
	}
	payload, ok := current.Payload.(*models.HumanInputPayload)
	if !ok {
		return nil, fmt.Errorf("approval %s carries %T, want human input payload", id, current.Payload)
	}

	decided := current
	switch {
	case current.Status == models.ApprovalPending:
		if err := payload.ValidateResponse(response); err != nil {
			return nil, errdefs.Validationf("%v", err)
		}
		now := s.now()
		payload.Response = &models.InputResponse{Value: response, RespondedBy: caller.ID, RespondedAt: now}
		decided, err = s.store.Decide(ctx, id, Decision{
			Status:    models.ApprovalApproved,
			DecidedBy: caller.ID,
			DecidedAt: now,
			Payload:   payload,
		})
		if err != nil {
			return nil, err
		}
		s.metrics.ApprovalDecided(string(decided.ResourceType), "responded")
	case repeatsResponse(current, payload, caller, response):
		s.logger.Info("completing repeated human input response", "approval_id", id)
		response = payload.Response.Value
	default:
		return nil, errdefs.Conflictf("human input request %s has already been answered", id)
	}

	result := &RespondResult{Success: true, ThreadID: decided.ThreadID, Approval: decided}
	if decided.ThreadID == "" {
		return result, nil
	}

	msg, err := s.responseMessage(ctx, decided, payload, response, caller)
	if err != nil {
		return nil, err
	}
	result.MessageID = msg.ID

	if s.resumer != nil {
		// The queue dedupes on the prompt message, so a repeat adopts the run
		// an earlier call scheduled.
		handle, err := s.resumer.Resume(ctx, dispatch.ResumeRequest{
			ThreadID:        decided.ThreadID,
			TenantID:        decided.TenantID,
			PromptMessageID: msg.ID,
			AgentID:         decided.AgentID,
			RequestedBy:     caller.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("resume generation: %w", err)
		}
		result.StreamHandle = handle
	}
	s.logger.Info("human input answered", "approval_id", id, "thread_id", decided.ThreadID, "stream_handle", result.StreamHandle)
	return result, nil
}

func repeatsResponse(current *models.Approval, payload *models.HumanInputPayload, caller *models.User, response models.ResponseValue) bool {
	if current.Status != models.ApprovalApproved || payload.Response == nil {
		return false
	}
	return payload.Response.RespondedBy == caller.ID && slices.Equal(payload.Response.Value.Values(), response.Values())
}

// responseMessageNamespace derives summary message IDs from approval IDs.
var responseMessageNamespace = uuid.MustParse("5b0f4c8e-3f7a-4d2b-9c61-2e8a7d4b1f90")

// ResponseMessageID is the ID of the summary message appended when the
// human-input request approvalID is answered.
func ResponseMessageID(approvalID string) string {
	return uuid.NewSHA1(responseMessageNamespace, []byte(approvalID)).String()
}

// responseMessage returns the summary message for the approval, appending it
// unless an earlier call already did.
func (s *Service) responseMessage(ctx context.Context, approval *models.Approval, payload *models.HumanInputPayload, response models.ResponseValue, caller *models.User) (*models.Message, error) {
	msgID := ResponseMessageID(approval.ID)
	existing, err := s.threads.GetMessage(ctx, msgID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		return nil, fmt.Errorf("look up response message: %w", err)
	}
	msg := &models.Message{
		ID:       msgID,
		ThreadID: approval.ThreadID,
		TenantID: approval.TenantID,
		Role:     models.RoleUser,
		Content:  SummarizeResponse(payload, response),
		Metadata: map[string]any{
			"approval_id": approval.ID,
			"kind":        "human_input_response",
			"author_id":   caller.ID,
		},
	}
	if err := s.threads.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append response message: %w", err)
	}
	return msg, nil
}

// SummarizeResponse renders the question and the human-readable answer.
func SummarizeResponse(payload *models.HumanInputPayload, response models.ResponseValue) string {
	answer := strings.Join(payload.Labels(response), ", ")
	var b strings.Builder
	b.WriteString("**Question:** ")
	b.WriteString(payload.Question)
	b.WriteString("\n**Answer:** ")
	b.WriteString(answer)
	return b.String()
}

func (s *Service) authorize(ctx context.Context, caller *models.User, tenantID string) error {
	if caller == nil || caller.ID == "" {
		return errdefs.Unauthenticatedf("caller identity is required")
	}
	if tenantID == "" {
		return errdefs.Validationf("tenant_id is required")
	}
	ok, err := s.membership.IsMember(ctx, tenantID, caller.ID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return errdefs.NotFoundf("tenant %s", tenantID)
	}
	return nil
}
