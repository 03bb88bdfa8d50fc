// Package threads persists conversation threads and their messages.
package threads

import (
	"context"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// DefaultHistoryLimit is the number of messages returned when no limit is given.
const DefaultHistoryLimit = 10

// Store is the interface for thread persistence.
type Store interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// AppendMessage persists msg, assigning its ID when empty, its creation
	// time and the next ordering key in the thread.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// History returns the most recent messages of a thread in ascending
	// ordering-key order.
	History(ctx context.Context, threadID string, opts HistoryOptions) ([]*models.Message, error)
}

// HistoryOptions configures history reads.
type HistoryOptions struct {
	Limit        int
	ExcludeRoles []models.Role
}

// RecentNonTool returns the last limit messages of a thread, skipping tool
// messages.
func RecentNonTool(ctx context.Context, store Store, threadID string, limit int) ([]*models.Message, error) {
	return store.History(ctx, threadID, HistoryOptions{
		Limit:        limit,
		ExcludeRoles: []models.Role{models.RoleTool},
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func excluded(role models.Role, roles []models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
