// Package integrations executes approved integration_operation approvals.
// Each named operation validates its parameters up front so a malformed
// request is rejected when the approval is created, not after a human
// approved it.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// Operation is one named write against an external system.
type Operation interface {
	Validate(params map[string]any) error
	Run(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// Registry maps operation names such as "slack.post_message" to operations.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]Operation
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ops:    map[string]Operation{},
		logger: logger.With("component", "integrations"),
	}
}

// Register adds or replaces an operation.
func (r *Registry) Register(name string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = op
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(payload *models.IntegrationOperationPayload) (Operation, string, error) {
	name := strings.TrimSpace(payload.Operation)
	if !strings.Contains(name, ".") && payload.Integration != "" {
		name = payload.Integration + "." + name
	}
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, name, errdefs.Validationf("unknown integration operation %q", name)
	}
	return op, name, nil
}

// ValidatePayload rejects unknown operations and invalid parameters.
func (r *Registry) ValidatePayload(ctx context.Context, payload models.ApprovalPayload) error {
	p, ok := payload.(*models.IntegrationOperationPayload)
	if !ok {
		return errdefs.Validationf("expected integration operation payload, got %T", payload)
	}
	op, name, err := r.lookup(p)
	if err != nil {
		return err
	}
	if err := op.Validate(p.Parameters); err != nil {
		return errdefs.Validationf("%s: %v", name, err)
	}
	return nil
}

// Execute runs the operation named by an approved approval.
func (r *Registry) Execute(ctx context.Context, approval *models.Approval) (json.RawMessage, error) {
	p, ok := approval.Payload.(*models.IntegrationOperationPayload)
	if !ok {
		return nil, fmt.Errorf("approval %s carries %T, want integration operation", approval.ID, approval.Payload)
	}
	op, name, err := r.lookup(p)
	if err != nil {
		return nil, err
	}
	r.logger.Info("running integration operation", "operation", name, "approval_id", approval.ID, "tenant_id", approval.TenantID)
	result, err := op.Run(ctx, p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

func stringParam(params map[string]any, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("parameter %q is required", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", key)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return s, nil
}
