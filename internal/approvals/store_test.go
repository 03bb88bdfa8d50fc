package approvals

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

func pendingApproval(id string) *models.Approval {
	now := time.Now().UTC()
	return &models.Approval{
		ID:           id,
		TenantID:     "tenant-1",
		ResourceType: models.ResourceCustom,
		Priority:     models.PriorityNormal,
		Status:       models.ApprovalPending,
		ThreadID:     "thread-1",
		Payload:      &models.CustomPayload{Title: "Review"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := pendingApproval("a-1")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, a); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want conflict", err)
	}

	got, err := store.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Payload.(*models.CustomPayload).Title = "mutated"
	again, _ := store.Get(ctx, "a-1")
	if again.Payload.(*models.CustomPayload).Title != "Review" {
		t.Fatal("Get() returned shared payload")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want not found", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, tc := range []struct {
		id       string
		thread   string
		tenant   string
		resource models.ResourceType
	}{
		{"a-1", "thread-1", "tenant-1", models.ResourceCustom},
		{"a-2", "thread-1", "tenant-1", models.ResourceCustom},
		{"a-3", "thread-2", "tenant-1", models.ResourceCustom},
		{"a-4", "thread-1", "tenant-2", models.ResourceCustom},
	} {
		a := pendingApproval(tc.id)
		a.ThreadID = tc.thread
		a.TenantID = tc.tenant
		a.ResourceType = tc.resource
		a.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Decide(ctx, "a-1", Decision{Status: models.ApprovalRejected, DecidedAt: base}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"thread", ListOptions{ThreadID: "thread-1"}, []string{"a-2", "a-1"}},
		{"pending only", ListOptions{ThreadID: "thread-1", Status: models.ApprovalPending}, []string{"a-2"}},
		{"whole tenant", ListOptions{}, []string{"a-3", "a-2", "a-1"}},
		{"limit", ListOptions{Limit: 1}, []string{"a-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, "tenant-1", tt.opts)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d approvals, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryStore_DecideOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, pendingApproval("a-1")); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Decide(ctx, "a-1", Decision{Status: models.ApprovalApproved, DecidedBy: "user-1", DecidedAt: time.Now()})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, errdefs.ErrConflict) {
				t.Errorf("Decide() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d concurrent decisions succeeded, want 1", wins.Load())
	}
}

func TestMemoryStore_ExecutionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.Create(ctx, pendingApproval("a-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimExecution(ctx, "a-1", now); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("ClaimExecution(pending) error = %v, want conflict", err)
	}
	if _, err := store.Decide(ctx, "a-1", Decision{Status: models.ApprovalApproved, DecidedAt: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.RecordExecution(ctx, "a-1", models.ExecutionOutcome{}); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("RecordExecution(unclaimed) error = %v, want conflict", err)
	}

	claimed, err := store.ClaimExecution(ctx, "a-1", now)
	if err != nil {
		t.Fatalf("ClaimExecution() error = %v", err)
	}
	if claimed.Execution == nil || !claimed.Execution.StartedAt.Equal(now) {
		t.Fatalf("claimed execution = %+v", claimed.Execution)
	}
	if _, err := store.ClaimExecution(ctx, "a-1", now); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("second ClaimExecution() error = %v, want conflict", err)
	}

	done, err := store.RecordExecution(ctx, "a-1", models.ExecutionOutcome{Result: []byte(`{"ok":true}`)})
	if err != nil {
		t.Fatalf("RecordExecution() error = %v", err)
	}
	if !done.Execution.Completed() || string(done.Execution.Result) != `{"ok":true}` {
		t.Fatalf("recorded execution = %+v", done.Execution)
	}
	if _, err := store.RecordExecution(ctx, "a-1", models.ExecutionOutcome{}); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("second RecordExecution() error = %v, want conflict", err)
	}
}

func TestListLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultListLimit},
		{-1, DefaultListLimit},
		{20, 20},
		{DefaultListLimit + 1, DefaultListLimit},
	}
	for _, tt := range tests {
		if got := listLimit(tt.in); got != tt.want {
			t.Errorf("listLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
