package generation

import (
	"context"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// Request is the input to a single generation run.
type Request struct {
	Invocation Invocation

	// Prompt is the message that triggered the run. History holds the
	// messages before it, oldest first, and excludes the prompt.
	Prompt  *models.Message
	History []*models.Message
}

// Result is what a finished run produced.
type Result struct {
	// Content is the accumulated assistant text.
	Content string

	// Steps is the number of model round trips performed.
	Steps int

	// PendingApprovalID is set when the run stopped to wait on an approval.
	// The run is complete; resolution starts a new one where applicable.
	PendingApprovalID string
}

// Suspended reports whether the run ended waiting on an approval.
func (r *Result) Suspended() bool {
	return r != nil && r.PendingApprovalID != ""
}

// Generator runs the model and tool loop for one turn.
type Generator interface {
	Generate(ctx context.Context, req *Request, env Environment) (*Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req *Request, env Environment) (*Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *Request, env Environment) (*Result, error) {
	return f(ctx, req, env)
}

// Environment is the set of callbacks a generator uses while running.
type Environment interface {
	// EmitText appends text to the run's stream. It is a no-op when the
	// run has no stream.
	EmitText(ctx context.Context, text string) error

	// EmitEvent appends a structured chunk to the run's stream.
	EmitEvent(ctx context.Context, chunkType models.ChunkType, data any) error

	// RequestApproval records a pending approval linked to the run's
	// thread and prompt. The generator must stop after a successful call.
	RequestApproval(ctx context.Context, resourceType models.ResourceType, payload models.ApprovalPayload) (*models.Approval, error)

	// RequestHumanInput records a pending human-input request.
	RequestHumanInput(ctx context.Context, payload *models.HumanInputPayload) (*models.Approval, error)
}

// ApprovalCreator persists approvals on behalf of a generation run.
type ApprovalCreator interface {
	Create(ctx context.Context, req models.ApprovalRequest) (*models.Approval, error)
}
