package streams

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore creates a stream store backed by db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

const streamColumns = `handle, thread_id, tenant_id, status, error, content, last_seq, created_at, finished_at`

func (s *CockroachStore) Create(ctx context.Context, stream *models.Stream) error {
	if stream == nil || stream.Handle == "" {
		return errors.New("stream handle is required")
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (handle, thread_id, tenant_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, stream.Handle, stream.ThreadID, stream.TenantID, stream.Status, stream.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, handle string) (*models.Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE handle = $1`, handle)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFoundf("stream %s", handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return stream, nil
}

// Append bumps last_seq and inserts the chunk in one statement, so only a
// stream still in the streaming state accepts chunks.
func (s *CockroachStore) Append(ctx context.Context, handle string, chunk *models.StreamChunk) error {
	if chunk == nil {
		return errors.New("chunk is required")
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}
	var data any
	if len(chunk.Data) > 0 {
		data = []byte(chunk.Data)
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		WITH bumped AS (
			UPDATE streams
			SET last_seq = last_seq + 1,
				content = CASE $2 WHEN 'text' THEN content || $3 WHEN 'reset' THEN '' ELSE content END
			WHERE handle = $1 AND status = 'streaming'
			RETURNING last_seq
		)
		INSERT INTO stream_chunks (handle, seq, type, text, data, created_at)
		SELECT $1, last_seq, $2, $3, $4, $5 FROM bumped
		RETURNING seq
	`, handle, chunk.Type, chunk.Text, data, chunk.CreatedAt).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return s.rejectWrite(ctx, handle)
	}
	if err != nil {
		return fmt.Errorf("failed to append chunk: %w", err)
	}
	chunk.Sequence = seq
	return nil
}

func (s *CockroachStore) Chunks(ctx context.Context, handle string, after int64, limit int) ([]models.StreamChunk, error) {
	limit = normalizeChunkLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, text, data, created_at
		FROM stream_chunks
		WHERE handle = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, handle, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.StreamChunk
	for rows.Next() {
		var chunk models.StreamChunk
		var text sql.NullString
		var data []byte
		if err := rows.Scan(&chunk.Sequence, &chunk.Type, &text, &data, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.Text = text.String
		if len(data) > 0 && string(data) != "null" {
			chunk.Data = append(chunk.Data, data...)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

func (s *CockroachStore) Finish(ctx context.Context, handle string, status models.StreamStatus, errMsg string) (*models.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE streams
		SET status = $2, error = $3, finished_at = $4
		WHERE handle = $1 AND status = 'streaming'
		RETURNING `+streamColumns,
		handle, status, errMsg, time.Now().UTC())
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.Get(ctx, handle)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == status {
			return current, nil
		}
		return nil, errdefs.Conflictf("stream %s is already %s", handle, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish stream: %w", err)
	}
	return stream, nil
}

// rejectWrite explains why a conditional write matched no row.
func (s *CockroachStore) rejectWrite(ctx context.Context, handle string) error {
	stream, err := s.Get(ctx, handle)
	if err != nil {
		return err
	}
	return errdefs.Conflictf("stream %s is %s", handle, stream.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*models.Stream, error) {
	stream := &models.Stream{}
	var errMsg sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(
		&stream.Handle,
		&stream.ThreadID,
		&stream.TenantID,
		&stream.Status,
		&errMsg,
		&stream.Content,
		&stream.LastSeq,
		&stream.CreatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	stream.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		stream.FinishedAt = &t
	}
	return stream, nil
}
