package automations

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

// Store persists automations.
type Store interface {
	Create(ctx context.Context, a *Automation) error
	Get(ctx context.Context, id string) (*Automation, error)
	GetByApproval(ctx context.Context, approvalID string) (*Automation, error)
	List(ctx context.Context, tenantID string) ([]*Automation, error)

	// Due returns enabled automations whose next run is at or before now,
	// oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Automation, error)

	// RecordRun stores a firing. A nil NextRunAt disables the automation.
	RecordRun(ctx context.Context, id string, run RunResult) error
}

// MemoryStore keeps automations in memory.
type MemoryStore struct {
	mu          sync.RWMutex
	automations map[string]*Automation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{automations: map[string]*Automation{}}
}

func (m *MemoryStore) Create(ctx context.Context, a *Automation) error {
	if a == nil || a.ID == "" {
		return errors.New("automation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.automations[a.ID]; ok {
		return errdefs.Conflictf("automation %s already exists", a.ID)
	}
	if a.ApprovalID != "" {
		for _, existing := range m.automations {
			if existing.ApprovalID == a.ApprovalID {
				return errdefs.Conflictf("approval %s already provisioned automation %s", a.ApprovalID, existing.ID)
			}
		}
	}
	m.automations[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, errdefs.NotFoundf("automation %s", id)
	}
	return a.clone(), nil
}

func (m *MemoryStore) GetByApproval(ctx context.Context, approvalID string) (*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.automations {
		if a.ApprovalID == approvalID {
			return a.clone(), nil
		}
	}
	return nil, errdefs.NotFoundf("automation for approval %s", approvalID)
}

func (m *MemoryStore) List(ctx context.Context, tenantID string) ([]*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Automation
	for _, a := range m.automations {
		if a.TenantID == tenantID {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Automation
	for _, a := range m.automations {
		if a.Enabled && a.NextRunAt != nil && !a.NextRunAt.After(now) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordRun(ctx context.Context, id string, run RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return errdefs.NotFoundf("automation %s", id)
	}
	ranAt := run.RanAt
	a.LastRunAt = &ranAt
	a.LastError = run.Error
	a.NextRunAt = nil
	if run.NextRunAt != nil {
		next := *run.NextRunAt
		a.NextRunAt = &next
	}
	a.Enabled = a.NextRunAt != nil
	a.UpdatedAt = ranAt
	return nil
}
