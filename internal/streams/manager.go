package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultPollInterval is how often subscribers re-read a stream that is
// written by another process.
const DefaultPollInterval = 250 * time.Millisecond

// Snapshot is a read of a stream from an offset.
type Snapshot struct {
	Stream *models.Stream       `json:"stream"`
	Chunks []models.StreamChunk `json:"chunks"`

	// NextOffset is the offset to pass to the next read.
	NextOffset int64 `json:"next_offset"`
}

// Event is delivered to subscribers: either a chunk or the final stream
// state, after which the channel is closed.
type Event struct {
	Chunk *models.StreamChunk `json:"chunk,omitempty"`
	Final *models.Stream      `json:"final,omitempty"`
}

// Manager allocates streams and fans chunks out to readers.
type Manager struct {
	store        Store
	logger       *slog.Logger
	metrics      *observability.Metrics
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records chunk counts.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPollInterval sets how often subscribers poll the store.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager creates a stream manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		waiters:      map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "streams")
	return m
}

// Create allocates a new stream for a thread and returns its handle.
func (m *Manager) Create(ctx context.Context, threadID, tenantID string) (string, error) {
	stream := &models.Stream{
		Handle:    uuid.NewString(),
		ThreadID:  threadID,
		TenantID:  tenantID,
		Status:    models.StreamStreaming,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, stream); err != nil {
		return "", fmt.Errorf("create stream: %w", err)
	}
	return stream.Handle, nil
}

// Get returns the current stream state.
func (m *Manager) Get(ctx context.Context, handle string) (*models.Stream, error) {
	return m.store.Get(ctx, handle)
}

// Append writes a chunk and wakes readers. It returns the chunk sequence.
func (m *Manager) Append(ctx context.Context, handle string, chunk models.StreamChunk) (int64, error) {
	if err := m.store.Append(ctx, handle, &chunk); err != nil {
		return 0, err
	}
	m.metrics.StreamChunk(string(chunk.Type))
	m.notify(handle)
	return chunk.Sequence, nil
}

// AppendText writes a text delta.
func (m *Manager) AppendText(ctx context.Context, handle, text string) (int64, error) {
	return m.Append(ctx, handle, models.StreamChunk{Type: models.ChunkText, Text: text})
}

// AppendEvent writes a structured event chunk.
func (m *Manager) AppendEvent(ctx context.Context, handle string, chunkType models.ChunkType, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal stream event: %w", err)
	}
	return m.Append(ctx, handle, models.StreamChunk{Type: chunkType, Data: raw})
}

// Reset writes a reset chunk, clearing the stream content. Chunks already
// delivered stay readable; readers drop earlier text when they see it.
func (m *Manager) Reset(ctx context.Context, handle string, data any) (int64, error) {
	return m.AppendEvent(ctx, handle, models.ChunkReset, data)
}

// Finish marks the stream terminal with status.
func (m *Manager) Finish(ctx context.Context, handle string, status models.StreamStatus, errMsg string) (*models.Stream, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish stream: %s is not a terminal status", status)
	}
	stream, err := m.store.Finish(ctx, handle, status, errMsg)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("stream finished", "handle", handle, "status", status)
	m.notify(handle)
	return stream, nil
}

// Read returns chunks after offset without blocking.
func (m *Manager) Read(ctx context.Context, handle string, offset int64) (*Snapshot, error) {
	stream, err := m.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Stream: stream, NextOffset: offset}
	if offset >= stream.LastSeq {
		return snap, nil
	}
	chunks, err := m.store.Chunks(ctx, handle, offset, MaxChunksPerRead)
	if err != nil {
		return nil, err
	}
	snap.Chunks = chunks
	if n := len(chunks); n > 0 {
		snap.NextOffset = chunks[n-1].Sequence
	}
	return snap, nil
}

// Wait reads from offset, blocking up to timeout until a chunk beyond the
// offset exists or the stream is terminal.
func (m *Manager) Wait(ctx context.Context, handle string, offset int64, timeout time.Duration) (*Snapshot, error) {
	deadline := time.Now().Add(timeout)
	for {
		wake := m.waiter(handle)
		snap, err := m.Read(ctx, handle, offset)
		if err != nil {
			return nil, err
		}
		if len(snap.Chunks) > 0 || snap.Stream.Status.Terminal() {
			return snap, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return snap, nil
		}
		if remaining > m.pollInterval {
			remaining = m.pollInterval
		}
		if err := m.sleep(ctx, wake, remaining); err != nil {
			return nil, err
		}
	}
}

// Subscribe delivers every chunk after offset and then the final state.
// The channel closes after the final event or when ctx is done.
func (m *Manager) Subscribe(ctx context.Context, handle string, offset int64) (<-chan Event, error) {
	if _, err := m.store.Get(ctx, handle); err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			wake := m.waiter(handle)
			snap, err := m.Read(ctx, handle, offset)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("stream subscription read failed", "handle", handle, "error", err)
				}
				return
			}
			for i := range snap.Chunks {
				select {
				case out <- Event{Chunk: &snap.Chunks[i]}:
				case <-ctx.Done():
					return
				}
			}
			offset = snap.NextOffset
			if snap.Stream.Status.Terminal() && offset >= snap.Stream.LastSeq {
				select {
				case out <- Event{Final: snap.Stream}:
				case <-ctx.Done():
				}
				return
			}
			if len(snap.Chunks) > 0 {
				continue
			}
			if err := m.sleep(ctx, wake, m.pollInterval); err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer.C:
	}
	return nil
}

// waiter returns a channel closed on the next write to handle in this
// process. Writers in other processes are observed by polling.
func (m *Manager) waiter(handle string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.waiters[handle]
	if !ok {
		ch = make(chan struct{})
		m.waiters[handle] = ch
	}
	return ch
}

func (m *Manager) notify(handle string) {
	m.mu.Lock()
	ch, ok := m.waiters[handle]
	delete(m.waiters, handle)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}
