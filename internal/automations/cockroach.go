package automations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/threadgate/internal/errdefs"
)

const automationColumns = `id, tenant_id, thread_id, agent_id, approval_id, name, description, schedule,
	timezone, prompt, enabled, created_by, next_run_at, last_run_at, last_error, created_at, updated_at`

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore creates a store over an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) Create(ctx context.Context, a *Automation) error {
	if a == nil || a.ID == "" {
		return errors.New("automation id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automations (id, tenant_id, thread_id, agent_id, approval_id, name, description, schedule,
			timezone, prompt, enabled, created_by, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		a.ID, a.TenantID, nullString(a.ThreadID), a.AgentID, nullString(a.ApprovalID), a.Name, a.Description,
		a.Schedule, a.Timezone, a.Prompt, a.Enabled, a.CreatedBy, nullTime(a.NextRunAt), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errdefs.Conflictf("automation %s already exists", a.ID)
		}
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, id string) (*Automation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("automation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get automation: %w", err)
	}
	return a, nil
}

func (s *CockroachStore) GetByApproval(ctx context.Context, approvalID string) (*Automation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE approval_id = $1`, approvalID)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("automation for approval %s", approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get automation by approval: %w", err)
	}
	return a, nil
}

func (s *CockroachStore) List(ctx context.Context, tenantID string) ([]*Automation, error) {
	return s.query(ctx, `SELECT `+automationColumns+` FROM automations WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (s *CockroachStore) Due(ctx context.Context, now time.Time, limit int) ([]*Automation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`, now, limit)
}

func (s *CockroachStore) RecordRun(ctx context.Context, id string, run RunResult) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automations SET
			last_run_at = $2,
			last_error = $3,
			next_run_at = $4,
			enabled = $5,
			updated_at = $2
		WHERE id = $1
	`, id, run.RanAt, run.Error, nullTime(run.NextRunAt), run.NextRunAt != nil)
	if err != nil {
		return fmt.Errorf("record automation run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFoundf("automation %s", id)
	}
	return nil
}

func (s *CockroachStore) query(ctx context.Context, query string, args ...any) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate automations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*Automation, error) {
	a := &Automation{}
	var (
		threadID, approvalID sql.NullString
		nextRun, lastRun     sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &threadID, &a.AgentID, &approvalID, &a.Name, &a.Description, &a.Schedule,
		&a.Timezone, &a.Prompt, &a.Enabled, &a.CreatedBy, &nextRun, &lastRun, &a.LastError, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.ThreadID = threadID.String
	a.ApprovalID = approvalID.String
	if nextRun.Valid {
		t := nextRun.Time
		a.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRunAt = &t
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
