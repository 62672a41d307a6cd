// Package models defines the persisted and wire-level types for Arasul.
package models

import (
	"encoding/json"
	"time"
)

// Job represents one queued inference request with its own content buffer.
type Job struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Type           string `json:"type"` // "chat" or "rag"

	RequestedModel string   `json:"requested_model"`
	ModelSequence  []string `json:"model_sequence,omitempty"` // ordered alternates
	Priority       int      `json:"priority"`                 // higher first
	MaxWaitSeconds int      `json:"max_wait_seconds"`

	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"` // dense 1..N while pending

	Payload  RequestPayload  `json:"payload"`
	Content  string          `json:"content"`
	Thinking string          `json:"thinking,omitempty"`
	Sources  json.RawMessage `json:"sources,omitempty"` // opaque, set once for RAG

	QueuedAt     time.Time `json:"queued_at"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	LastUpdateAt time.Time `json:"last_update_at"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// RequestPayload carries the producer's request. The core treats most of it
// as opaque: it is assembled into a prompt and forwarded to the runtime.
type RequestPayload struct {
	Messages        []ChatMessage   `json:"messages,omitempty"`
	Temperature     float64         `json:"temperature,omitempty"`
	NumPredict      int             `json:"num_predict,omitempty"`
	ThinkingEnabled bool            `json:"thinking_enabled"`
	System          string          `json:"system,omitempty"`  // rag
	Context         string          `json:"context,omitempty"` // rag
	Query           string          `json:"query,omitempty"`   // rag
	Sources         json.RawMessage `json:"sources,omitempty"` // rag
}

// ChatMessage is one turn of a chat transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Job type constants.
const (
	JobTypeChat = "chat"
	JobTypeRAG  = "rag"
)

// Job status constants.
const (
	JobStatusPending   = "pending"
	JobStatusStreaming = "streaming"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
	JobStatusCancelled = "cancelled"
)

// IsTerminal reports whether a status is final. Terminal jobs never
// transition back to a non-terminal state.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// CancelledMessage is the errorMessage recorded on a cancelled job.
const CancelledMessage = "Job was cancelled"

// Reaper error messages (user-visible, literal).
const (
	QueueTimeoutMessage  = "Job timed out in queue (30 minutes)"
	StreamTimeoutMessage = "Job timed out (backend restart or connection lost)"
)

// EnqueueOptions configures a new job.
type EnqueueOptions struct {
	Model          string   `json:"model,omitempty"`
	ModelSequence  []string `json:"model_sequence,omitempty"`
	Priority       int      `json:"priority"`
	MaxWaitSeconds int      `json:"max_wait_seconds"`
}

// EnqueueResult is returned synchronously from enqueue.
type EnqueueResult struct {
	JobID         string `json:"job_id"`
	MessageID     string `json:"message_id"`
	QueuePosition int    `json:"queue_position"`
	ResolvedModel string `json:"resolved_model"`
}

// QueueSnapshot reflects the queue state for UI status.
type QueueSnapshot struct {
	Processing *Job   `json:"processing,omitempty"`
	Pending    []*Job `json:"pending"`
	PendingLen int    `json:"pending_len"`
}

// ContentDelta is one batched persistence increment for a streaming job.
type ContentDelta struct {
	Content  string          `json:"content,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Sources  json.RawMessage `json:"sources,omitempty"`
}

// Empty reports whether the delta carries nothing to persist.
func (d ContentDelta) Empty() bool {
	return d.Content == "" && d.Thinking == "" && len(d.Sources) == 0
}
