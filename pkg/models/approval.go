package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus is the decision state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ResourceType tags what an approval gates and selects its payload shape.
type ResourceType string

const (
	ResourceIntegrationOperation ResourceType = "integration_operation"
	ResourceAutomationCreation   ResourceType = "automation_creation"
	ResourceHumanInputRequest    ResourceType = "human_input_request"
	ResourceCustom               ResourceType = "custom"
)

// ResourceTypes lists every known resource type.
var ResourceTypes = []ResourceType{
	ResourceIntegrationOperation,
	ResourceAutomationCreation,
	ResourceHumanInputRequest,
	ResourceCustom,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	for _, known := range ResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders approvals for reviewers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ErrUnknownResourceType is returned when a payload tag is not recognised.
var ErrUnknownResourceType = errors.New("unknown resource type")

// Approval is a durable decision record gating a side-effecting or
// clarifying action.
type Approval struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Priority     Priority       `json:"priority"`
	Status       ApprovalStatus `json:"status"`
	RequestedBy  string         `json:"requested_by"`
	ThreadID     string         `json:"thread_id,omitempty"`
	MessageID    string         `json:"message_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`

	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  string     `json:"comments,omitempty"`

	// Payload always matches ResourceType.
	Payload   ApprovalPayload   `json:"-"`
	Execution *ExecutionOutcome `json:"execution,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionOutcome records the side effect performed after approval.
type ExecutionOutcome struct {
	StartedAt  time.Time       `json:"started_at"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Completed reports whether the execution finished, successfully or not.
func (o *ExecutionOutcome) Completed() bool {
	return o != nil && o.ExecutedAt != nil
}

type approvalJSON struct {
	*approvalAlias
	Metadata json.RawMessage `json:"metadata"`
}

type approvalAlias Approval

// MarshalJSON encodes the payload under "metadata".
func (a Approval) MarshalJSON() ([]byte, error) {
	alias := approvalAlias(a)
	out := approvalJSON{approvalAlias: &alias, Metadata: json.RawMessage("{}")}
	if a.Payload != nil {
		raw, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, err
		}
		out.Metadata = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes "metadata" into the payload type selected by
// resource_type.
func (a *Approval) UnmarshalJSON(data []byte) error {
	var alias approvalAlias
	in := approvalJSON{approvalAlias: &alias}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = Approval(alias)
	if len(in.Metadata) == 0 || string(in.Metadata) == "null" {
		return nil
	}
	payload, err := DecodePayload(a.ResourceType, in.Metadata)
	if err != nil {
		return err
	}
	a.Payload = payload
	return nil
}

// Clone returns a deep copy of the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	out := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	if a.Execution != nil {
		exec := *a.Execution
		if a.Execution.ExecutedAt != nil {
			t := *a.Execution.ExecutedAt
			exec.ExecutedAt = &t
		}
		exec.Result = append(json.RawMessage(nil), a.Execution.Result...)
		out.Execution = &exec
	}
	if a.Payload != nil {
		if raw, err := json.Marshal(a.Payload); err == nil {
			if payload, err := DecodePayload(a.ResourceType, raw); err == nil {
				out.Payload = payload
			}
		}
	}
	return &out
}

// ApprovalPayload is the resource-type specific intent carried by an approval.
type ApprovalPayload interface {
	ResourceType() ResourceType
	Validate() error
}

// DecodePayload decodes raw metadata into the payload for t.
func DecodePayload(t ResourceType, raw json.RawMessage) (ApprovalPayload, error) {
	var payload ApprovalPayload
	switch t {
	case ResourceIntegrationOperation:
		payload = &IntegrationOperationPayload{}
	case ResourceAutomationCreation:
		payload = &AutomationCreationPayload{}
	case ResourceHumanInputRequest:
		payload = &HumanInputPayload{}
	case ResourceCustom:
		payload = &CustomPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResourceType, t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", t, err)
		}
	}
	return payload, nil
}

// IntegrationOperationPayload requests a write against an external system.
type IntegrationOperationPayload struct {
	Integration     string         `json:"integration,omitempty"`
	Operation       string         `json:"operation"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	EstimatedImpact string         `json:"estimated_impact,omitempty"`
	Description     string         `json:"description,omitempty"`
}

func (p *IntegrationOperationPayload) ResourceType() ResourceType {
	return ResourceIntegrationOperation
}

func (p *IntegrationOperationPayload) Validate() error {
	if strings.TrimSpace(p.Operation) == "" {
		return errors.New("operation is required")
	}
	return nil
}

// AutomationCreationPayload requests provisioning of a scheduled automation.
type AutomationCreationPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Timezone    string `json:"timezone,omitempty"`
	Prompt      string `json:"prompt"`
	AgentID     string `json:"agent_id,omitempty"`
}

func (p *AutomationCreationPayload) ResourceType() ResourceType {
	return ResourceAutomationCreation
}

func (p *AutomationCreationPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(p.Schedule) == "":
		return errors.New("schedule is required")
	case strings.TrimSpace(p.Prompt) == "":
		return errors.New("prompt is required")
	}
	return nil
}

// CustomPayload is a free-form approval with no execution step.
type CustomPayload struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (p *CustomPayload) ResourceType() ResourceType {
	return ResourceCustom
}

func (p *CustomPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	return nil
}

// ApprovalRequest is the input for creating a pending approval.
type ApprovalRequest struct {
	TenantID     string       `json:"tenant_id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Priority     Priority     `json:"priority,omitempty"`
	RequestedBy  string       `json:"requested_by,omitempty"`
	ThreadID     string       `json:"thread_id,omitempty"`
	MessageID    string       `json:"message_id,omitempty"`
	AgentID      string       `json:"agent_id,omitempty"`

	// Payload takes precedence over Metadata. Metadata is decoded by
	// ResourceType when Payload is nil.
	Payload  ApprovalPayload `json:"-"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
