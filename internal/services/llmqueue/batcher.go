package llmqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// contentBatcher coalesces per-token content into batched AppendContent
// writes. A flush happens when the configured interval has elapsed or the
// accumulated delta reaches the character threshold, and is forced at
// stream end and state transitions. A failed flush keeps the delta for the
// next attempt, so content is never dropped on a transient storage error.
type contentBatcher struct {
	store  interfaces.JobStore
	logger *common.Logger
	jobID  string

	flushInterval time.Duration
	flushChars    int

	mu        sync.Mutex
	delta     models.ContentDelta
	lastFlush time.Time
}

func newContentBatcher(store interfaces.JobStore, logger *common.Logger, jobID string, interval time.Duration, chars int) *contentBatcher {
	return &contentBatcher{
		store:         store,
		logger:        logger,
		jobID:         jobID,
		flushInterval: interval,
		flushChars:    chars,
		lastFlush:     time.Now(),
	}
}

// AddContent buffers a response token and flushes if a threshold is hit.
func (b *contentBatcher) AddContent(ctx context.Context, token string) {
	b.mu.Lock()
	b.delta.Content += token
	b.mu.Unlock()
	b.maybeFlush(ctx)
}

// AddThinking buffers a thinking token and flushes if a threshold is hit.
func (b *contentBatcher) AddThinking(ctx context.Context, token string) {
	b.mu.Lock()
	b.delta.Thinking += token
	b.mu.Unlock()
	b.maybeFlush(ctx)
}

// SetSources attaches the one-shot sources payload to the next flush.
func (b *contentBatcher) SetSources(ctx context.Context, sources json.RawMessage) {
	b.mu.Lock()
	b.delta.Sources = sources
	b.mu.Unlock()
	b.maybeFlush(ctx)
}

func (b *contentBatcher) maybeFlush(ctx context.Context) {
	b.mu.Lock()
	due := time.Since(b.lastFlush) >= b.flushInterval ||
		len(b.delta.Content)+len(b.delta.Thinking) >= b.flushChars
	b.mu.Unlock()

	if due {
		if err := b.Flush(ctx); err != nil {
			b.logger.Warn().Err(err).Str("job_id", b.jobID).Msg("Content flush failed, retrying on next threshold")
		}
	}
}

// Flush writes the accumulated delta. The delta is only cleared when the
// write succeeds.
func (b *contentBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	delta := b.delta
	b.mu.Unlock()

	if delta.Empty() {
		return nil
	}

	if err := b.store.AppendContent(ctx, b.jobID, delta); err != nil {
		return err
	}

	b.mu.Lock()
	b.delta.Content = b.delta.Content[len(delta.Content):]
	b.delta.Thinking = b.delta.Thinking[len(delta.Thinking):]
	if len(delta.Sources) > 0 {
		b.delta.Sources = nil
	}
	b.lastFlush = time.Now()
	b.mu.Unlock()
	return nil
}
