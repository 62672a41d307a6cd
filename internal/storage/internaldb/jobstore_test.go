package internaldb

import (
	"context"
	"testing"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

func newTestDB(t *testing.T) *badgerhold.Store {
	t.Helper()
	db, err := Open(common.NewSilentLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	return NewJobStore(newTestDB(t), common.NewSilentLogger())
}

func enqueueJob(t *testing.T, store *JobStore, id string, priority int, queuedAt time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             id,
		ConversationID: "conv1",
		Type:           models.JobTypeChat,
		RequestedModel: "modelA",
		Priority:       priority,
		QueuedAt:       queuedAt,
	}
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue %s: %v", id, err)
	}
	return job
}

func TestEnqueueAssignsDensePositions(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueueJob(t, store, "j1", 0, base)
	enqueueJob(t, store, "j2", 0, base.Add(time.Second))
	j3 := enqueueJob(t, store, "j3", 5, base.Add(2*time.Second))

	// High priority lands at position 1 despite queueing last.
	if j3.QueuePosition != 1 {
		t.Errorf("j3 position = %d, want 1", j3.QueuePosition)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}

	wantOrder := []string{"j3", "j1", "j2"}
	for i, job := range pending {
		if job.ID != wantOrder[i] {
			t.Errorf("pending[%d] = %s, want %s", i, job.ID, wantOrder[i])
		}
		if job.QueuePosition != i+1 {
			t.Errorf("%s position = %d, want %d", job.ID, job.QueuePosition, i+1)
		}
	}
}

func TestEnqueueGeneratesID(t *testing.T) {
	store := newTestJobStore(t)

	job := &models.Job{ConversationID: "c", Type: models.JobTypeChat}
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(job.ID) != 8 {
		t.Errorf("id = %q, want 8 chars", job.ID)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.QueuedAt.IsZero() {
		t.Error("QueuedAt should be set")
	}
}

func TestStartNextTransitionsAndRecomputes(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueueJob(t, store, "j1", 0, base)
	enqueueJob(t, store, "j2", 0, base.Add(time.Second))

	job, err := store.StartNext(ctx, "j1")
	if err != nil {
		t.Fatalf("StartNext: %v", err)
	}
	if job == nil {
		t.Fatal("StartNext returned nil for pending job")
	}
	if job.Status != models.JobStatusStreaming {
		t.Errorf("status = %s, want streaming", job.Status)
	}
	if job.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
	if job.QueuePosition != 0 {
		t.Errorf("position = %d, want 0", job.QueuePosition)
	}

	// The remaining pending job moves up to position 1.
	j2, _ := store.GetJob(ctx, "j2")
	if j2.QueuePosition != 1 {
		t.Errorf("j2 position = %d, want 1", j2.QueuePosition)
	}

	streaming, err := store.StreamingJob(ctx)
	if err != nil {
		t.Fatalf("StreamingJob: %v", err)
	}
	if streaming == nil || streaming.ID != "j1" {
		t.Errorf("streaming = %+v, want j1", streaming)
	}
}

func TestStartNextRacedWithCancel(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	if err := store.CancelJob(ctx, "j1"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, err := store.StartNext(ctx, "j1")
	if err != nil {
		t.Fatalf("StartNext: %v", err)
	}
	if job != nil {
		t.Errorf("StartNext after cancel = %+v, want nil", job)
	}
}

func TestAppendContent(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	store.StartNext(ctx, "j1")

	if err := store.AppendContent(ctx, "j1", models.ContentDelta{Content: "hel", Thinking: "hm"}); err != nil {
		t.Fatalf("AppendContent: %v", err)
	}
	if err := store.AppendContent(ctx, "j1", models.ContentDelta{Content: "lo"}); err != nil {
		t.Fatalf("AppendContent: %v", err)
	}

	job, _ := store.GetJob(ctx, "j1")
	if job.Content != "hello" {
		t.Errorf("content = %q, want hello", job.Content)
	}
	if job.Thinking != "hm" {
		t.Errorf("thinking = %q, want hm", job.Thinking)
	}
	if job.LastUpdateAt.IsZero() {
		t.Error("LastUpdateAt should be set")
	}
}

func TestAppendContentSourcesSetOnce(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	store.StartNext(ctx, "j1")

	store.AppendContent(ctx, "j1", models.ContentDelta{Sources: []byte(`["a"]`)})
	store.AppendContent(ctx, "j1", models.ContentDelta{Sources: []byte(`["b"]`)})

	job, _ := store.GetJob(ctx, "j1")
	if string(job.Sources) != `["a"]` {
		t.Errorf("sources = %s, want first write kept", job.Sources)
	}
}

func TestAppendContentDroppedWhenNotStreaming(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	store.StartNext(ctx, "j1")
	store.CompleteJob(ctx, "j1")

	if err := store.AppendContent(ctx, "j1", models.ContentDelta{Content: "late"}); err != nil {
		t.Fatalf("late AppendContent should not error: %v", err)
	}
	job, _ := store.GetJob(ctx, "j1")
	if job.Content != "" {
		t.Errorf("content = %q, late append should be dropped", job.Content)
	}
}

func TestCompleteOnlyFromStreaming(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	if err := store.CompleteJob(ctx, "j1"); err == nil {
		t.Error("CompleteJob on pending job should fail")
	}
}

func TestTerminalTransitionsIdempotent(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	store.StartNext(ctx, "j1")
	if err := store.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// A later cancel or error must not resurrect the job.
	if err := store.CancelJob(ctx, "j1"); err != nil {
		t.Fatalf("CancelJob after complete: %v", err)
	}
	if err := store.ErrorJob(ctx, "j1", "boom"); err != nil {
		t.Fatalf("ErrorJob after complete: %v", err)
	}

	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", job.ErrorMessage)
	}
}

func TestCancelPendingJob(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueueJob(t, store, "j1", 0, base)
	enqueueJob(t, store, "j2", 0, base.Add(time.Second))

	if err := store.CancelJob(ctx, "j1"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, _ := store.GetJob(ctx, "j1")
	if job.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.ErrorMessage != models.CancelledMessage {
		t.Errorf("error message = %q", job.ErrorMessage)
	}

	j2, _ := store.GetJob(ctx, "j2")
	if j2.QueuePosition != 1 {
		t.Errorf("j2 position = %d, want 1 after cancel", j2.QueuePosition)
	}
}

func TestSetPriorityReorders(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueueJob(t, store, "j1", 0, base)
	enqueueJob(t, store, "j2", 0, base.Add(time.Second))

	if err := store.SetPriority(ctx, "j2", 1); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}

	pending, _ := store.ListPending(ctx)
	if pending[0].ID != "j2" {
		t.Errorf("head = %s, want j2", pending[0].ID)
	}

	// Only pending jobs can be reprioritised.
	store.StartNext(ctx, "j2")
	if err := store.SetPriority(ctx, "j2", 2); err == nil {
		t.Error("SetPriority on streaming job should fail")
	}
}

func TestQueueSnapshot(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueueJob(t, store, "j1", 0, base)
	enqueueJob(t, store, "j2", 0, base.Add(time.Second))
	store.StartNext(ctx, "j1")

	snap, err := store.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("QueueSnapshot: %v", err)
	}
	if snap.Processing == nil || snap.Processing.ID != "j1" {
		t.Errorf("processing = %+v, want j1", snap.Processing)
	}
	if snap.PendingLen != 1 || snap.Pending[0].ID != "j2" {
		t.Errorf("pending = %+v", snap.Pending)
	}
}

func TestActiveJobsForConversation(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "j1", 0, time.Now())
	other := &models.Job{ID: "j2", ConversationID: "conv2", Type: models.JobTypeChat}
	store.Enqueue(ctx, other)

	jobs, err := store.ActiveJobsForConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("ActiveJobsForConversation: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("jobs = %+v, want only j1", jobs)
	}
}

func TestPurgeTerminal(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	enqueueJob(t, store, "old", 0, time.Now().Add(-3*time.Hour))
	store.StartNext(ctx, "old")
	store.CompleteJob(ctx, "old")

	enqueueJob(t, store, "fresh", 0, time.Now())
	store.StartNext(ctx, "fresh")
	store.CompleteJob(ctx, "fresh")

	// Backdate the old job's completion.
	job, _ := store.GetJob(ctx, "old")
	job.CompletedAt = time.Now().Add(-2 * time.Hour)
	if err := store.db.Update(job.ID, job); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := store.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if got, _ := store.GetJob(ctx, "old"); got != nil {
		t.Error("old job should be purged")
	}
	if got, _ := store.GetJob(ctx, "fresh"); got == nil {
		t.Error("fresh job should survive")
	}
}
