package llmqueue

import (
	"encoding/json"
	"sync"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// streamTrace mirrors a live stream in memory. The persisted job row lags
// the bus by up to one batch flush, so a late subscriber's pre-roll comes
// from the trace instead: every event records here before it is published,
// under the same lock Subscribe snapshots with, so a subscriber either
// sees an event in its pre-roll or receives it live, never neither.
type streamTrace struct {
	mu           sync.Mutex
	model        string
	sources      json.RawMessage
	thinking     string
	thinkingDone bool
	content      string
	final        *models.StreamEvent
}

// preroll rebuilds the event history observed so far. Callers hold mu.
func (t *streamTrace) preroll() []models.StreamEvent {
	var events []models.StreamEvent

	if t.model != "" {
		events = append(events, models.StatusEvent(t.model))
	}
	if len(t.sources) > 0 {
		events = append(events, models.SourcesEvent(t.sources))
	}
	if t.thinking != "" {
		events = append(events, models.ThinkingEvent(t.thinking))
		if t.thinkingDone || t.content != "" {
			events = append(events, models.ThinkingEndEvent())
		}
	}
	if t.content != "" {
		events = append(events, models.ResponseEvent(t.content))
	}
	if t.final != nil {
		events = append(events, *t.final)
	}
	return events
}
