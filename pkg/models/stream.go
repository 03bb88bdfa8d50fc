package models

import (
	"encoding/json"
	"time"
)

// StreamStatus is the lifecycle state of a generation stream.
type StreamStatus string

const (
	StreamStreaming StreamStatus = "streaming"
	StreamDone      StreamStatus = "done"
	StreamError     StreamStatus = "error"
	StreamCancelled StreamStatus = "cancelled"
)

// Terminal reports whether no further chunks will be appended.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StreamDone, StreamError, StreamCancelled:
		return true
	}
	return false
}

// Stream is a durable handle that generation output is written to.
type Stream struct {
	Handle   string       `json:"handle"`
	ThreadID string       `json:"thread_id"`
	TenantID string       `json:"tenant_id"`
	Status   StreamStatus `json:"status"`
	Error    string       `json:"error,omitempty"`

	// Content is the concatenation of every text chunk since the last reset.
	Content string `json:"content"`

	// LastSeq is the sequence of the most recent chunk, zero when empty.
	LastSeq    int64      `json:"last_seq"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ChunkType identifies the kind of payload carried by a stream chunk.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkEvent      ChunkType = "event"

	// ChunkReset discards the text accumulated so far. It is written when a
	// run restarts on a stream that already holds partial output.
	ChunkReset ChunkType = "reset"
)

// StreamChunk is one incremental piece of generation output.
type StreamChunk struct {
	// Sequence starts at 1 and is contiguous within a stream.
	Sequence  int64           `json:"seq"`
	Type      ChunkType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
