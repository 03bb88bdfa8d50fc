package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

const approvalColumns = `id, tenant_id, resource_type, resource_id, priority, status, requested_by,
	thread_id, message_id, agent_id, decided_by, decided_at, comments, metadata,
	execution_started_at, executed_at, execution_result, execution_error, created_at, updated_at`

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore creates a store over an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) Create(ctx context.Context, a *models.Approval) error {
	if a == nil || a.ID == "" {
		return errors.New("approval id is required")
	}
	metadata, err := encodePayload(a.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, tenant_id, resource_type, resource_id, priority, status, requested_by,
			thread_id, message_id, agent_id, comments, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		a.ID,
		a.TenantID,
		string(a.ResourceType),
		a.ResourceID,
		string(a.Priority),
		string(a.Status),
		a.RequestedBy,
		nullString(a.ThreadID),
		nullString(a.MessageID),
		a.AgentID,
		a.Comments,
		metadata,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflictf("approval %s already exists", a.ID)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("approval %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *CockroachStore) List(ctx context.Context, tenantID string, opts ListOptions) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE tenant_id = $1
		  AND ($2 = '' OR thread_id = $2)
		  AND ($3 = '' OR resource_type = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, tenantID, opts.ThreadID, string(opts.ResourceType), string(opts.Status), listLimit(opts.Limit))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

// Decide is a compare-and-set on status; the WHERE clause is the pending
// precondition.
func (s *CockroachStore) Decide(ctx context.Context, id string, d Decision) (*models.Approval, error) {
	var metadata any
	if d.Payload != nil {
		raw, err := encodePayload(d.Payload)
		if err != nil {
			return nil, err
		}
		metadata = raw
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE approvals SET
			status = $2,
			decided_by = $3,
			decided_at = $4,
			comments = $5,
			metadata = COALESCE($6, metadata),
			updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+approvalColumns,
		id, string(d.Status), d.DecidedBy, d.DecidedAt, d.Comments, metadata,
	)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rejectTransition(ctx, id, "decided")
	}
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	return a, nil
}

func (s *CockroachStore) ClaimExecution(ctx context.Context, id string, at time.Time) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE approvals SET
			execution_started_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'approved' AND execution_started_at IS NULL
		RETURNING `+approvalColumns,
		id, at,
	)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rejectTransition(ctx, id, "executed")
	}
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	return a, nil
}

func (s *CockroachStore) RecordExecution(ctx context.Context, id string, outcome models.ExecutionOutcome) (*models.Approval, error) {
	executedAt := time.Now().UTC()
	if outcome.ExecutedAt != nil {
		executedAt = *outcome.ExecutedAt
	}
	var result any
	if len(outcome.Result) > 0 {
		result = []byte(outcome.Result)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE approvals SET
			executed_at = $2,
			execution_result = $3,
			execution_error = $4,
			updated_at = $2
		WHERE id = $1 AND execution_started_at IS NOT NULL AND executed_at IS NULL
		RETURNING `+approvalColumns,
		id, executedAt, result, nullString(outcome.Error),
	)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, errdefs.Conflictf("approval %s has no open execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	return a, nil
}

// rejectTransition explains why a conditional update matched no row.
func (s *CockroachStore) rejectTransition(ctx context.Context, id, action string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if action == "executed" && current.Execution != nil {
		return errdefs.Conflictf("approval %s has already been executed", id)
	}
	return errdefs.Conflictf("approval %s is %s and cannot be %s", id, current.Status, action)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	a := &models.Approval{}
	var (
		resourceType, priority, status string
		threadID, messageID            sql.NullString
		decidedAt                      sql.NullTime
		metadata                       []byte
		startedAt, executedAt          sql.NullTime
		result                         []byte
		execError                      sql.NullString
	)
	if err := row.Scan(
		&a.ID,
		&a.TenantID,
		&resourceType,
		&a.ResourceID,
		&priority,
		&status,
		&a.RequestedBy,
		&threadID,
		&messageID,
		&a.AgentID,
		&a.DecidedBy,
		&decidedAt,
		&a.Comments,
		&metadata,
		&startedAt,
		&executedAt,
		&result,
		&execError,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.ResourceType = models.ResourceType(resourceType)
	a.Priority = models.Priority(priority)
	a.Status = models.ApprovalStatus(status)
	a.ThreadID = threadID.String
	a.MessageID = messageID.String
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	payload, err := models.DecodePayload(a.ResourceType, metadata)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	if startedAt.Valid {
		a.Execution = &models.ExecutionOutcome{StartedAt: startedAt.Time, Error: execError.String}
		if executedAt.Valid {
			t := executedAt.Time
			a.Execution.ExecutedAt = &t
		}
		if len(result) > 0 {
			a.Execution.Result = json.RawMessage(result)
		}
	}
	return a, nil
}

func encodePayload(payload models.ApprovalPayload) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode approval metadata: %w", err)
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
