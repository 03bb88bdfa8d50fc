// Package streams owns durable, resumable generation output streams.
//
// A stream is written by one generation run and read by any number of
// observers from any offset. Once finished, reads return the accumulated
// content immediately.
package streams

import (
	"context"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// MaxChunksPerRead bounds a single chunk read.
const MaxChunksPerRead = 500

// Store persists streams and their chunks.
type Store interface {
	Create(ctx context.Context, stream *models.Stream) error
	Get(ctx context.Context, handle string) (*models.Stream, error)

	// Append assigns the next sequence to chunk. It fails with
	// errdefs.ErrConflict when the stream is terminal.
	Append(ctx context.Context, handle string, chunk *models.StreamChunk) error

	// Chunks returns chunks with a sequence greater than after.
	Chunks(ctx context.Context, handle string, after int64, limit int) ([]models.StreamChunk, error)

	// Finish marks the stream terminal. Finishing again with the same status
	// returns the stored stream unchanged; a different status fails with
	// errdefs.ErrConflict.
	Finish(ctx context.Context, handle string, status models.StreamStatus, errMsg string) (*models.Stream, error)
}

func normalizeChunkLimit(limit int) int {
	if limit <= 0 || limit > MaxChunksPerRead {
		return MaxChunksPerRead
	}
	return limit
}
