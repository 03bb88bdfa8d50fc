package threads

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// maxMessagesPerThread bounds memory growth; the oldest messages are trimmed.
const maxMessagesPerThread = 1000

// MemoryStore provides an in-memory Store implementation for tests and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	byID     map[string]*models.Message
	seq      map[string]int64
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		byID:     map[string]*models.Message{},
		seq:      map[string]int64{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	if thread.TenantID == "" || thread.UserID == "" {
		return errdefs.Validationf("thread tenant and user are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if _, exists := m.threads[thread.ID]; exists {
		return errdefs.Conflictf("thread %s already exists", thread.ID)
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	clone := *thread
	m.threads[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, errdefs.NotFoundf("thread %s", id)
	}
	clone := *thread
	return &clone, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.Role.Valid() {
		return errdefs.Validationf("invalid role %q", msg.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[msg.ThreadID]
	if !ok {
		return errdefs.NotFoundf("thread %s", msg.ThreadID)
	}
	if msg.TenantID == "" {
		msg.TenantID = thread.TenantID
	}
	if msg.TenantID != thread.TenantID {
		return errdefs.Validationf("message tenant %s does not match thread tenant", msg.TenantID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.seq[msg.ThreadID]++
	msg.Sequence = m.seq[msg.ThreadID]

	clone := cloneMessage(msg)
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], clone)
	m.byID[clone.ID] = clone
	if history := m.messages[msg.ThreadID]; len(history) > maxMessagesPerThread {
		trimmed := history[:len(history)-maxMessagesPerThread]
		for _, old := range trimmed {
			delete(m.byID, old.ID)
		}
		m.messages[msg.ThreadID] = append([]*models.Message(nil), history[len(history)-maxMessagesPerThread:]...)
	}
	return nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byID[id]
	if !ok {
		return nil, errdefs.NotFoundf("message %s", id)
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) History(ctx context.Context, threadID string, opts HistoryOptions) ([]*models.Message, error) {
	limit := normalizeLimit(opts.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.messages[threadID]
	out := make([]*models.Message, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if excluded(history[i].Role, opts.ExcludeRoles) {
			continue
		}
		out = append(out, cloneMessage(history[i]))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
