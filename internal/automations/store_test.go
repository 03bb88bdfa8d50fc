package automations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

func newAutomation(id string, next time.Time) *Automation {
	return &Automation{
		ID:         id,
		TenantID:   "tenant-1",
		ThreadID:   "thread-1",
		ApprovalID: "approval-" + id,
		Name:       "Digest",
		Schedule:   "@hourly",
		Prompt:     "Summarize",
		Enabled:    true,
		NextRunAt:  &next,
		CreatedAt:  next.Add(-time.Hour),
	}
}

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	a := newAutomation("auto-1", now)
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	dup := newAutomation("auto-2", now)
	dup.ApprovalID = a.ApprovalID
	if err := store.Create(ctx, dup); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("Create() with reused approval error = %v, want conflict", err)
	}

	got, err := store.GetByApproval(ctx, a.ApprovalID)
	if err != nil || got.ID != "auto-1" {
		t.Fatalf("GetByApproval() = %v, %v", got, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want not found", err)
	}
	list, _ := store.List(ctx, "tenant-1")
	if len(list) != 1 {
		t.Fatalf("List() returned %d automations, want 1", len(list))
	}
}

func TestMemoryStore_DueAndRecordRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, a := range []*Automation{
		newAutomation("late", now.Add(-time.Minute)),
		newAutomation("later", now.Add(-time.Hour)),
		newAutomation("future", now.Add(time.Hour)),
	} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	due, err := store.Due(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "later" || due[1].ID != "late" {
		t.Fatalf("Due() = %v", due)
	}

	next := now.Add(time.Hour)
	if err := store.RecordRun(ctx, "late", RunResult{RanAt: now, NextRunAt: &next}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordRun(ctx, "later", RunResult{RanAt: now, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if due, _ := store.Due(ctx, now, 0); len(due) != 0 {
		t.Fatalf("Due() after runs = %v, want none", due)
	}

	stopped, _ := store.Get(ctx, "later")
	if stopped.Enabled || stopped.LastError != "boom" || stopped.NextRunAt != nil {
		t.Errorf("automation without next run = %+v", stopped)
	}
	if err := store.RecordRun(ctx, "missing", RunResult{RanAt: now}); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("RecordRun(missing) error = %v, want not found", err)
	}
}
