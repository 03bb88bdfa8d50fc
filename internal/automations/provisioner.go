package automations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/internal/threads"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// Provisioner executes approved automation_creation approvals.
type Provisioner struct {
	store   Store
	threads threads.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewProvisioner creates a Provisioner. threadStore may be nil, in which
// case no summary message is posted.
func NewProvisioner(store Store, threadStore threads.Store, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		store:   store,
		threads: threadStore,
		logger:  logger.With("component", "automations"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidatePayload rejects schedules and timezones that cannot be parsed.
func (p *Provisioner) ValidatePayload(ctx context.Context, payload models.ApprovalPayload) error {
	req, ok := payload.(*models.AutomationCreationPayload)
	if !ok {
		return errdefs.Validationf("expected automation creation payload, got %T", payload)
	}
	schedule, err := ParseSchedule(req.Schedule, req.Timezone)
	if err != nil {
		return errdefs.Validationf("%v", err)
	}
	if _, ok := schedule.Next(p.now()); !ok {
		return errdefs.Validationf("schedule %q never fires", req.Schedule)
	}
	return nil
}

type provisionResult struct {
	AutomationID string    `json:"automation_id"`
	NextRunAt    time.Time `json:"next_run_at"`
}

// Execute persists the automation and posts a summary into the thread.
func (p *Provisioner) Execute(ctx context.Context, approval *models.Approval) (json.RawMessage, error) {
	req, ok := approval.Payload.(*models.AutomationCreationPayload)
	if !ok {
		return nil, fmt.Errorf("approval %s carries %T, want automation creation", approval.ID, approval.Payload)
	}

	existing, err := p.store.GetByApproval(ctx, approval.ID)
	switch {
	case err == nil:
		return json.Marshal(provisionResult{AutomationID: existing.ID, NextRunAt: derefTime(existing.NextRunAt)})
	case !errors.Is(err, errdefs.ErrNotFound):
		return nil, err
	}

	schedule, err := ParseSchedule(req.Schedule, req.Timezone)
	if err != nil {
		return nil, err
	}
	now := p.now()
	next, ok := schedule.Next(now)
	if !ok {
		return nil, fmt.Errorf("schedule %q never fires", req.Schedule)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = approval.AgentID
	}
	automation := &Automation{
		ID:          uuid.NewString(),
		TenantID:    approval.TenantID,
		ThreadID:    approval.ThreadID,
		AgentID:     agentID,
		ApprovalID:  approval.ID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Schedule:    schedule.Expr,
		Timezone:    schedule.Location.String(),
		Prompt:      req.Prompt,
		Enabled:     true,
		CreatedBy:   approval.DecidedBy,
		NextRunAt:   &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Create(ctx, automation); err != nil {
		return nil, err
	}
	p.logger.Info("automation provisioned",
		"automation_id", automation.ID,
		"approval_id", approval.ID,
		"schedule", automation.Schedule,
		"next_run_at", next,
	)

	if p.threads != nil && approval.ThreadID != "" {
		msg := &models.Message{
			ThreadID: approval.ThreadID,
			TenantID: approval.TenantID,
			Role:     models.RoleSystem,
			Content:  Summary(automation),
			Metadata: map[string]any{
				"automation_id": automation.ID,
				"approval_id":   approval.ID,
			},
		}
		if err := p.threads.AppendMessage(ctx, msg); err != nil {
			p.logger.Warn("failed to post automation summary", "automation_id", automation.ID, "error", err)
		}
	}
	return json.Marshal(provisionResult{AutomationID: automation.ID, NextRunAt: next})
}

// Summary describes an automation for the thread transcript.
func Summary(a *Automation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automation %q created. Schedule: %s (%s).", a.Name, a.Schedule, a.Timezone)
	if a.NextRunAt != nil {
		fmt.Fprintf(&b, " Next run: %s.", a.NextRunAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
