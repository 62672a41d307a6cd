package models

import (
	"encoding/json"
	"time"
)

// StreamEvent is one event on a job's subscription topic. The zero fields
// are omitted so each event type keeps exactly the wire shape producers
// and UIs expect.
type StreamEvent struct {
	Type          string          `json:"type,omitempty"`
	Status        string          `json:"status,omitempty"`
	QueuePosition *int            `json:"queuePosition,omitempty"`
	Model         string          `json:"model,omitempty"`
	Token         string          `json:"token,omitempty"`
	Sources       json.RawMessage `json:"sources,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Error         string          `json:"error,omitempty"`
	Done          bool            `json:"done,omitempty"`
}

// Stream event type constants.
const (
	EventTypeStatus      = "status"
	EventTypeResponse    = "response"
	EventTypeThinking    = "thinking"
	EventTypeThinkingEnd = "thinking_end"
	EventTypeSources     = "sources"
	EventTypeCancelled   = "cancelled"
)

// StatusEvent builds the initial streaming status event for a job.
func StatusEvent(model string) StreamEvent {
	pos := 0
	return StreamEvent{
		Type:          EventTypeStatus,
		Status:        JobStatusStreaming,
		QueuePosition: &pos,
		Model:         model,
	}
}

// ResponseEvent builds a non-thinking token event.
func ResponseEvent(token string) StreamEvent {
	return StreamEvent{Type: EventTypeResponse, Token: token}
}

// ThinkingEvent builds a thinking token event.
func ThinkingEvent(token string) StreamEvent {
	return StreamEvent{Type: EventTypeThinking, Token: token}
}

// ThinkingEndEvent marks the end of a thinking block.
func ThinkingEndEvent() StreamEvent {
	return StreamEvent{Type: EventTypeThinkingEnd}
}

// SourcesEvent builds the one-shot RAG sources event.
func SourcesEvent(sources json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventTypeSources, Sources: sources}
}

// DoneEvent builds the successful terminal event.
func DoneEvent(model, jobID string) StreamEvent {
	now := time.Now()
	return StreamEvent{Done: true, Model: model, JobID: jobID, Timestamp: &now}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Error: msg, Done: true}
}

// CancelledEvent builds the cancelled terminal event.
func CancelledEvent() StreamEvent {
	return StreamEvent{Type: EventTypeCancelled, Done: true}
}

// Terminal reports whether the event closes the topic.
func (e StreamEvent) Terminal() bool {
	return e.Done
}

// QueueEvent is broadcast on the queue-level WebSocket hub when job state
// changes.
type QueueEvent struct {
	Type      string    `json:"type"` // "job_queued", "job_started", "job_completed", "job_failed", "job_cancelled"
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
	QueueSize int       `json:"queue_size"` // current pending count
}

// Queue event type constants.
const (
	QueueEventQueued    = "job_queued"
	QueueEventStarted   = "job_started"
	QueueEventCompleted = "job_completed"
	QueueEventFailed    = "job_failed"
	QueueEventCancelled = "job_cancelled"
)
