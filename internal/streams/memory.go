package streams

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// MemoryStore keeps streams in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*models.Stream
	chunks  map[string][]models.StreamChunk
}

// NewMemoryStore creates an empty in-memory stream store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: map[string]*models.Stream{},
		chunks:  map[string][]models.StreamChunk{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, stream *models.Stream) error {
	if stream == nil || stream.Handle == "" {
		return errors.New("stream handle is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.streams[stream.Handle]; exists {
		return errdefs.Conflictf("stream %s already exists", stream.Handle)
	}
	clone := *stream
	m.streams[stream.Handle] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, handle string) (*models.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, ok := m.streams[handle]
	if !ok {
		return nil, errdefs.NotFoundf("stream %s", handle)
	}
	return cloneStream(stream), nil
}

func (m *MemoryStore) Append(ctx context.Context, handle string, chunk *models.StreamChunk) error {
	if chunk == nil {
		return errors.New("chunk is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.streams[handle]
	if !ok {
		return errdefs.NotFoundf("stream %s", handle)
	}
	if stream.Status.Terminal() {
		return errdefs.Conflictf("stream %s is %s", handle, stream.Status)
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}
	stream.LastSeq++
	chunk.Sequence = stream.LastSeq
	switch chunk.Type {
	case models.ChunkText:
		stream.Content += chunk.Text
	case models.ChunkReset:
		stream.Content = ""
	}
	m.chunks[handle] = append(m.chunks[handle], *chunk)
	return nil
}

func (m *MemoryStore) Chunks(ctx context.Context, handle string, after int64, limit int) ([]models.StreamChunk, error) {
	limit = normalizeChunkLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.streams[handle]; !ok {
		return nil, errdefs.NotFoundf("stream %s", handle)
	}
	all := m.chunks[handle]
	// Sequences are contiguous from 1, so the index is after.
	if after < 0 {
		after = 0
	}
	if after >= int64(len(all)) {
		return nil, nil
	}
	end := after + int64(limit)
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	return append([]models.StreamChunk(nil), all[after:end]...), nil
}

func (m *MemoryStore) Finish(ctx context.Context, handle string, status models.StreamStatus, errMsg string) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.streams[handle]
	if !ok {
		return nil, errdefs.NotFoundf("stream %s", handle)
	}
	if stream.Status == status {
		return cloneStream(stream), nil
	}
	if stream.Status.Terminal() {
		return nil, errdefs.Conflictf("stream %s is already %s", handle, stream.Status)
	}
	now := time.Now().UTC()
	stream.Status = status
	stream.Error = errMsg
	stream.FinishedAt = &now
	return cloneStream(stream), nil
}

func cloneStream(s *models.Stream) *models.Stream {
	clone := *s
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}
