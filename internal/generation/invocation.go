// Package generation defines the contract between the dispatcher and the
// worker that runs an agent turn, and the job handler that executes it.
package generation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// JobKind is the job kind carrying an Invocation payload.
const JobKind = "generation.run"

// Invocation is everything a worker needs to run one agent turn.
type Invocation struct {
	ThreadID        string                 `json:"thread_id"`
	TenantID        string                 `json:"tenant_id"`
	Agent           models.AgentConfig     `json:"agent"`
	PromptMessageID string                 `json:"prompt_message_id"`
	StreamHandle    string                 `json:"stream_handle,omitempty"`
	Attachments     []models.AttachmentRef `json:"attachments,omitempty"`
	MaxSteps        int                    `json:"max_steps"`
	TeamScopeIDs    []string               `json:"team_scope_ids,omitempty"`

	// RequestedBy is the user whose message started the run.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Validate checks that the invocation identifies its thread and prompt.
func (inv *Invocation) Validate() error {
	switch {
	case inv.ThreadID == "":
		return errors.New("thread_id is required")
	case inv.TenantID == "":
		return errors.New("tenant_id is required")
	case inv.PromptMessageID == "":
		return errors.New("prompt_message_id is required")
	case inv.MaxSteps <= 0:
		return errors.New("max_steps must be positive")
	}
	return nil
}

// NewJob encodes inv as a queue job. The prompt message ID is the dedupe
// key so a redelivered or duplicate start never produces a second run.
func NewJob(inv Invocation) (*jobs.Job, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}
	return &jobs.Job{
		Kind:      JobKind,
		DedupeKey: DedupeKey(inv.PromptMessageID),
		Payload:   payload,
	}, nil
}

// DedupeKey returns the queue dedupe key for a prompt message.
func DedupeKey(promptMessageID string) string {
	return JobKind + ":" + promptMessageID
}

// DecodeJob extracts the Invocation carried by job.
func DecodeJob(job *jobs.Job) (Invocation, error) {
	var inv Invocation
	if job == nil {
		return inv, errors.New("job is nil")
	}
	if job.Kind != JobKind {
		return inv, fmt.Errorf("unexpected job kind %q", job.Kind)
	}
	if err := json.Unmarshal(job.Payload, &inv); err != nil {
		return inv, fmt.Errorf("decode invocation: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return inv, err
	}
	return inv, nil
}
