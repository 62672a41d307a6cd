package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// recordingJobStore captures AppendContent calls; the embedded interface
// panics on anything else the batcher is not supposed to touch.
type recordingJobStore struct {
	interfaces.JobStore

	mu     sync.Mutex
	fail   bool
	deltas []models.ContentDelta
}

func (s *recordingJobStore) AppendContent(ctx context.Context, id string, delta models.ContentDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage down")
	}
	s.deltas = append(s.deltas, delta)
	return nil
}

func (s *recordingJobStore) recorded() []models.ContentDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ContentDelta(nil), s.deltas...)
}

func newTestBatcher(store *recordingJobStore, interval time.Duration, chars int) *contentBatcher {
	return newContentBatcher(store, common.NewSilentLogger(), "j1", interval, chars)
}

func TestBatcherHoldsBelowThresholds(t *testing.T) {
	store := &recordingJobStore{}
	b := newTestBatcher(store, time.Hour, 100)

	b.AddContent(context.Background(), "abc")
	b.AddThinking(context.Background(), "hm")

	if n := len(store.recorded()); n != 0 {
		t.Errorf("got %d flushes, want 0", n)
	}
}

func TestBatcherFlushesOnCharThreshold(t *testing.T) {
	store := &recordingJobStore{}
	b := newTestBatcher(store, time.Hour, 5)

	b.AddContent(context.Background(), "hi")
	b.AddContent(context.Background(), " there")

	deltas := store.recorded()
	if len(deltas) != 1 {
		t.Fatalf("got %d flushes, want 1", len(deltas))
	}
	if deltas[0].Content != "hi there" {
		t.Errorf("content = %q", deltas[0].Content)
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	store := &recordingJobStore{}
	b := newTestBatcher(store, time.Nanosecond, 1000)

	b.AddContent(context.Background(), "a")

	if n := len(store.recorded()); n != 1 {
		t.Errorf("got %d flushes, want 1", n)
	}
}

func TestBatcherForcedFlush(t *testing.T) {
	store := &recordingJobStore{}
	b := newTestBatcher(store, time.Hour, 100)
	ctx := context.Background()

	b.AddContent(ctx, "a")
	b.AddThinking(ctx, "t")
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	deltas := store.recorded()
	if len(deltas) != 1 || deltas[0].Content != "a" || deltas[0].Thinking != "t" {
		t.Fatalf("got %+v", deltas)
	}

	// Nothing buffered: a second flush must not write.
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if n := len(store.recorded()); n != 1 {
		t.Errorf("got %d flushes, want 1", n)
	}
}

func TestBatcherRetainsDeltaOnFailure(t *testing.T) {
	store := &recordingJobStore{fail: true}
	b := newTestBatcher(store, time.Hour, 1)
	ctx := context.Background()

	// Both adds trip the threshold but the store is down.
	b.AddContent(ctx, "a")
	b.AddContent(ctx, "b")
	if n := len(store.recorded()); n != 0 {
		t.Fatalf("got %d flushes while failing, want 0", n)
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	deltas := store.recorded()
	if len(deltas) != 1 || deltas[0].Content != "ab" {
		t.Errorf("got %+v, want the full retained delta", deltas)
	}
}

func TestBatcherSourcesWrittenOnce(t *testing.T) {
	store := &recordingJobStore{}
	b := newTestBatcher(store, time.Hour, 100)
	ctx := context.Background()

	b.SetSources(ctx, json.RawMessage(`["doc1"]`))
	b.Flush(ctx)

	b.AddContent(ctx, "answer")
	b.Flush(ctx)

	deltas := store.recorded()
	if len(deltas) != 2 {
		t.Fatalf("got %d flushes, want 2", len(deltas))
	}
	if string(deltas[0].Sources) != `["doc1"]` {
		t.Errorf("first delta sources = %s", deltas[0].Sources)
	}
	if len(deltas[1].Sources) != 0 {
		t.Errorf("sources should be cleared after a successful flush, got %s", deltas[1].Sources)
	}
}
