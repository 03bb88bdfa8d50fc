package approvals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultListLimit caps list reads without an explicit limit.
const DefaultListLimit = 100

// ListOptions filters approval lists. Empty fields match everything.
type ListOptions struct {
	ThreadID     string
	ResourceType models.ResourceType
	Status       models.ApprovalStatus
	Limit        int
}

// Decision is the single transition out of pending.
type Decision struct {
	Status    models.ApprovalStatus
	DecidedBy string
	DecidedAt time.Time
	Comments  string

	// Payload replaces the stored payload when set, used to record a
	// human-input response together with the transition.
	Payload models.ApprovalPayload
}

// Store persists approvals. Every mutation is conditional on the current
// state so concurrent actors cannot both win.
type Store interface {
	Create(ctx context.Context, approval *models.Approval) error
	Get(ctx context.Context, id string) (*models.Approval, error)
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*models.Approval, error)

	// Decide applies d only while the approval is pending, otherwise it
	// fails with errdefs.ErrConflict.
	Decide(ctx context.Context, id string, d Decision) (*models.Approval, error)

	// ClaimExecution marks execution as started. It fails with
	// errdefs.ErrConflict unless the approval is approved and unclaimed.
	ClaimExecution(ctx context.Context, id string, at time.Time) (*models.Approval, error)

	// RecordExecution stores the outcome of a claimed execution once.
	RecordExecution(ctx context.Context, id string, outcome models.ExecutionOutcome) (*models.Approval, error)
}

// MemoryStore keeps approvals in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	approvals map[string]*models.Approval
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: map[string]*models.Approval{}}
}

func (m *MemoryStore) Create(ctx context.Context, approval *models.Approval) error {
	if approval == nil || approval.ID == "" {
		return errors.New("approval id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[approval.ID]; exists {
		return errdefs.Conflictf("approval %s already exists", approval.ID)
	}
	m.approvals[approval.ID] = approval.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approval, ok := m.approvals[id]
	if !ok {
		return nil, errdefs.NotFoundf("approval %s", id)
	}
	return approval.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID string, opts ListOptions) ([]*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Approval
	for _, a := range m.approvals {
		if a.TenantID != tenantID ||
			(opts.ThreadID != "" && a.ThreadID != opts.ThreadID) ||
			(opts.ResourceType != "" && a.ResourceType != opts.ResourceType) ||
			(opts.Status != "" && a.Status != opts.Status) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(opts.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Decide(ctx context.Context, id string, d Decision) (*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, errdefs.NotFoundf("approval %s", id)
	}
	if a.Status != models.ApprovalPending {
		return nil, errdefs.Conflictf("approval %s is already %s", id, a.Status)
	}
	at := d.DecidedAt
	a.Status = d.Status
	a.DecidedBy = d.DecidedBy
	a.DecidedAt = &at
	a.Comments = d.Comments
	a.UpdatedAt = at
	if d.Payload != nil {
		a.Payload = d.Payload
	}
	stored := a.Clone()
	m.approvals[id] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) ClaimExecution(ctx context.Context, id string, at time.Time) (*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, errdefs.NotFoundf("approval %s", id)
	}
	if a.Status != models.ApprovalApproved {
		return nil, errdefs.Conflictf("approval %s is %s, not approved", id, a.Status)
	}
	if a.Execution != nil {
		return nil, errdefs.Conflictf("approval %s has already been executed", id)
	}
	a.Execution = &models.ExecutionOutcome{StartedAt: at}
	a.UpdatedAt = at
	return a.Clone(), nil
}

func (m *MemoryStore) RecordExecution(ctx context.Context, id string, outcome models.ExecutionOutcome) (*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, errdefs.NotFoundf("approval %s", id)
	}
	if a.Execution == nil || a.Execution.Completed() {
		return nil, errdefs.Conflictf("approval %s has no open execution", id)
	}
	outcome.StartedAt = a.Execution.StartedAt
	if outcome.ExecutedAt == nil {
		now := time.Now().UTC()
		outcome.ExecutedAt = &now
	}
	a.Execution = &outcome
	a.UpdatedAt = *outcome.ExecutedAt
	return a.Clone(), nil
}

func listLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}
