// Package models provides domain types shared across threadgate packages.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Thread is an ordered conversation scoped to one tenant and one user.
type Thread struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable entry in a thread.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`

	// Sequence is the ordering key, assigned by the store at insert time.
	Sequence int64 `json:"seq"`

	// StreamStatus is set on messages produced by a streamed generation run.
	StreamStatus StreamStatus   `json:"stream_status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AttachmentRef describes an uploaded file supplied alongside a message.
type AttachmentRef struct {
	StorageRef string `json:"storage_ref"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	PreviewRef string `json:"preview_ref,omitempty"`
}

// User represents an authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// AgentConfig is the resolved configuration of the agent answering a thread.
type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Streaming    bool     `json:"streaming"`
	MaxSteps     int      `json:"max_steps,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	TeamScopeIDs []string `json:"team_scope_ids,omitempty"`
}
