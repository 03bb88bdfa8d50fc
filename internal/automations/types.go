// Package automations provisions scheduled prompts from approved
// automation_creation approvals and fires them on schedule.
package automations

import (
	"context"
	"time"

	"github.com/haasonsaas/threadgate/internal/dispatch"
)

// Automation is a provisioned scheduled prompt posted into a thread.
type Automation struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ThreadID    string     `json:"thread_id,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	ApprovalID  string     `json:"approval_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Schedule    string     `json:"schedule"`
	Timezone    string     `json:"timezone,omitempty"`
	Prompt      string     `json:"prompt"`
	Enabled     bool       `json:"enabled"`
	CreatedBy   string     `json:"created_by,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (a *Automation) clone() *Automation {
	if a == nil {
		return nil
	}
	out := *a
	if a.NextRunAt != nil {
		t := *a.NextRunAt
		out.NextRunAt = &t
	}
	if a.LastRunAt != nil {
		t := *a.LastRunAt
		out.LastRunAt = &t
	}
	return &out
}

// RunResult records one firing.
type RunResult struct {
	RanAt     time.Time
	NextRunAt *time.Time
	Error     string
}

// Resumer schedules generation for a prompt message.
type Resumer interface {
	Resume(ctx context.Context, req dispatch.ResumeRequest) (string, error)
}
