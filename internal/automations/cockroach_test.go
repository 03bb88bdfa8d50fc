package automations

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

var automationCols = []string{
	"id", "tenant_id", "thread_id", "agent_id", "approval_id", "name", "description", "schedule",
	"timezone", "prompt", "enabled", "created_by", "next_run_at", "last_run_at", "last_error", "created_at", "updated_at",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewCockroachStore(db)
}

func TestCockroachStore_Create(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()
	a := newAutomation("auto-1", time.Now().UTC())

	mock.ExpectExec("INSERT INTO automations").
		WithArgs("auto-1", "tenant-1", sqlmock.AnyArg(), "", sqlmock.AnyArg(), "Digest", "", "@hourly",
			"", "Summarize", true, "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	mock.ExpectExec("INSERT INTO automations").WillReturnError(&pq.Error{Code: "23505"})
	if err := store.Create(context.Background(), a); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want conflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_GetAndDue(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()
	now := time.Now().UTC()

	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(automationCols).AddRow(
			"auto-1", "tenant-1", "thread-1", "support", "approval-1", "Digest", "", "@hourly",
			"UTC", "Summarize", true, "user-1", now, nil, "", now, now,
		)
	}

	mock.ExpectQuery("SELECT (.+) FROM automations WHERE id").WithArgs("auto-1").WillReturnRows(row())
	got, err := store.Get(context.Background(), "auto-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ThreadID != "thread-1" || got.NextRunAt == nil || got.LastRunAt != nil {
		t.Errorf("Get() = %+v", got)
	}

	mock.ExpectQuery("SELECT (.+) FROM automations WHERE approval_id").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	if _, err := store.GetByApproval(context.Background(), "nope"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("GetByApproval() error = %v, want not found", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM automations WHERE enabled").WithArgs(now, 100).WillReturnRows(row())
	due, err := store.Due(context.Background(), now, 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("Due() = %v, %v", due, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_RecordRun(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE automations SET").
		WithArgs("auto-1", now, "", sql.NullTime{}, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RecordRun(context.Background(), "auto-1", RunResult{RanAt: now}); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	mock.ExpectExec("UPDATE automations SET").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.RecordRun(context.Background(), "missing", RunResult{RanAt: now}); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("RecordRun(missing) error = %v, want not found", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
