package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// appendAttempts bounds retries when two writers race for the same
// ordering key.
const appendAttempts = 3

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore creates a thread store backed by db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

func (s *CockroachStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	if thread.TenantID == "" || thread.UserID == "" {
		return errdefs.Validationf("thread tenant and user are required")
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, tenant_id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, thread.ID, thread.TenantID, thread.UserID, thread.Title, thread.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflictf("thread %s already exists", thread.ID)
		}
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *CockroachStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread := &models.Thread{}
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, title, created_at
		FROM threads WHERE id = $1
	`, id).Scan(&thread.ID, &thread.TenantID, &thread.UserID, &title, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("thread %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	thread.Title = title.String
	return thread, nil
}

// AppendMessage assigns the next ordering key inside the insert statement.
// The (thread_id, seq) unique index rejects a racing writer, which retries.
func (s *CockroachStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.Role.Valid() {
		return errdefs.Validationf("invalid role %q", msg.Role)
	}
	if msg.ThreadID == "" || msg.TenantID == "" {
		return errdefs.Validationf("message thread and tenant are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO messages (id, thread_id, tenant_id, role, content, seq, stream_status, metadata, created_at)
			SELECT $1, $2, $3, $4, $5, COALESCE(MAX(seq), 0) + 1, $6, $7, $8
			FROM messages WHERE thread_id = $2
			RETURNING seq
		`, msg.ID, msg.ThreadID, msg.TenantID, msg.Role, msg.Content,
			nullString(string(msg.StreamStatus)), metadataJSON, msg.CreatedAt,
		).Scan(&seq)
		if err == nil {
			msg.Sequence = seq
			return nil
		}
		if !isRetryable(err) {
			if isForeignKeyViolation(err) {
				return errdefs.NotFoundf("thread %s", msg.ThreadID)
			}
			return fmt.Errorf("failed to append message: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to append message after %d attempts: %w", appendAttempts, lastErr)
}

func (s *CockroachStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, tenant_id, role, content, seq, stream_status, metadata, created_at
		FROM messages WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("message %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *CockroachStore) History(ctx context.Context, threadID string, opts HistoryOptions) ([]*models.Message, error) {
	limit := normalizeLimit(opts.Limit)
	roles := make([]string, 0, len(opts.ExcludeRoles))
	for _, role := range opts.ExcludeRoles {
		roles = append(roles, string(role))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, tenant_id, role, content, seq, stream_status, metadata, created_at
		FROM messages
		WHERE thread_id = $1 AND NOT (role = ANY($2))
		ORDER BY seq DESC
		LIMIT $3
	`, threadID, pq.Array(roles), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var streamStatus sql.NullString
	var metadataJSON []byte
	if err := row.Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.TenantID,
		&msg.Role,
		&msg.Content,
		&msg.Sequence,
		&streamStatus,
		&metadataJSON,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.StreamStatus = models.StreamStatus(streamStatus.String)
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// isRetryable matches unique violations on the ordering key and
// CockroachDB serialization failures.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" || pqErr.Code == "40001"
}
