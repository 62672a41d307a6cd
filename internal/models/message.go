package models

import (
	"encoding/json"
	"time"
)

// Message is the assistant-side transcript record linked to a job. It is
// created as a placeholder at enqueue time so external systems can render
// it immediately, and finalised when the job reaches a terminal state.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Thinking       string          `json:"thinking,omitempty"`
	Sources        json.RawMessage `json:"sources,omitempty"`
	Status         string          `json:"status"`
	JobID          string          `json:"job_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Message status constants, mirroring the linked job's lifecycle.
const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusCompleted = "completed"
	MessageStatusError     = "error"
	MessageStatusCancelled = "cancelled"
)

// RoleAssistant is the role of job-linked placeholder messages.
const RoleAssistant = "assistant"
