// Package surrealdb implements the Arasul stores on SurrealDB, the
// alternate backend for deployments that share a database server.
package surrealdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// jobSelectFields lists the fields to select from jobs, aliasing job_id to
// id for struct mapping.
const jobSelectFields = "job_id as id, conversation_id, message_id, type, requested_model, " +
	"model_sequence, priority, max_wait_seconds, status, queue_position, payload, content, " +
	"thinking, sources, queued_at, started_at, completed_at, last_update_at, error_message"

// JobStore implements interfaces.JobStore using SurrealDB. Transitions are
// serialised by a process-level mutex on top of the conditional UPDATE
// guards, matching the single-writer queue contract.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
	mu     sync.Mutex
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func jobVars(job *models.Job) map[string]any {
	return map[string]any{
		"rid":              surrealmodels.NewRecordID("jobs", job.ID),
		"job_id":           job.ID,
		"conversation_id":  job.ConversationID,
		"message_id":       job.MessageID,
		"type":             job.Type,
		"requested_model":  job.RequestedModel,
		"model_sequence":   job.ModelSequence,
		"priority":         job.Priority,
		"max_wait_seconds": job.MaxWaitSeconds,
		"status":           job.Status,
		"queue_position":   job.QueuePosition,
		"payload":          job.Payload,
		"content":          job.Content,
		"thinking":         job.Thinking,
		"sources":          job.Sources,
		"queued_at":        job.QueuedAt,
		"started_at":       job.StartedAt,
		"completed_at":     job.CompletedAt,
		"last_update_at":   job.LastUpdateAt,
		"error_message":    job.ErrorMessage,
	}
}

func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()[:8]
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now()
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	job.LastUpdateAt = now

	sql := `UPSERT $rid SET
		job_id = $job_id, conversation_id = $conversation_id, message_id = $message_id,
		type = $type, requested_model = $requested_model, model_sequence = $model_sequence,
		priority = $priority, max_wait_seconds = $max_wait_seconds, status = $status,
		queue_position = $queue_position, payload = $payload, content = $content,
		thinking = $thinking, sources = $sources, queued_at = $queued_at,
		started_at = $started_at, completed_at = $completed_at,
		last_update_at = $last_update_at, error_message = $error_message`

	if _, err := surrealdb.Query[any](ctx, s.db, sql, jobVars(job)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := s.recomputePositionsLocked(ctx); err != nil {
		return err
	}

	updated, err := s.getLocked(ctx, job.ID)
	if err == nil && updated != nil {
		job.QueuePosition = updated.QueuePosition
	}
	return nil
}

func (s *JobStore) StartNext(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != models.JobStatusPending {
		return nil, nil
	}

	// Conditional claim: only transition if still pending.
	now := time.Now()
	sql := `UPDATE $rid SET status = $streaming, started_at = $now,
		last_update_at = $now, queue_position = 0 WHERE status = $pending`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("jobs", id),
		"streaming": models.JobStatusStreaming,
		"pending":   models.JobStatusPending,
		"now":       now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", id, err)
	}

	if err := s.recomputePositionsLocked(ctx); err != nil {
		return nil, err
	}

	job.Status = models.JobStatusStreaming
	job.StartedAt = now
	job.LastUpdateAt = now
	job.QueuePosition = 0
	return job, nil
}

func (s *JobStore) AppendContent(ctx context.Context, id string, delta models.ContentDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != models.JobStatusStreaming {
		return nil
	}

	sql := `UPDATE $rid SET content = $content, thinking = $thinking,
		last_update_at = $now WHERE status = $streaming`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("jobs", id),
		"content":   job.Content + delta.Content,
		"thinking":  job.Thinking + delta.Thinking,
		"streaming": models.JobStatusStreaming,
		"now":       time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to append content to job %s: %w", id, err)
	}

	if len(delta.Sources) > 0 && len(job.Sources) == 0 {
		srcSQL := "UPDATE $rid SET sources = $sources WHERE status = $streaming"
		srcVars := map[string]any{
			"rid":       surrealmodels.NewRecordID("jobs", id),
			"sources":   delta.Sources,
			"streaming": models.JobStatusStreaming,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, srcSQL, srcVars); err != nil {
			return fmt.Errorf("failed to set sources on job %s: %w", id, err)
		}
	}
	return nil
}

func (s *JobStore) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, models.JobStatusCompleted, "")
}

func (s *JobStore) ErrorJob(ctx context.Context, id, msg string) error {
	return s.finishJob(ctx, id, models.JobStatusError, msg)
}

func (s *JobStore) CancelJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, models.JobStatusCancelled, models.CancelledMessage)
}

func (s *JobStore) finishJob(ctx context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if models.IsTerminal(job.Status) {
		return nil
	}
	if status == models.JobStatusCompleted && job.Status != models.JobStatusStreaming {
		return fmt.Errorf("job %s cannot complete from status %s", id, job.Status)
	}

	now := time.Now()
	sql := `UPDATE $rid SET status = $status, completed_at = $now,
		last_update_at = $now, queue_position = 0, error_message = $error
		WHERE status IN [$pending, $streaming]`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("jobs", id),
		"status":    status,
		"now":       now,
		"error":     errMsg,
		"pending":   models.JobStatusPending,
		"streaming": models.JobStatusStreaming,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return s.recomputePositionsLocked(ctx)
}

func (s *JobStore) SetPriority(ctx context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sql := "UPDATE $rid SET priority = $priority WHERE status = $pending"
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("jobs", id),
		"priority": priority,
		"pending":  models.JobStatusPending,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	return s.recomputePositionsLocked(ctx)
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *JobStore) ActiveJobsForConversation(ctx context.Context, conversationID string) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + ` FROM jobs WHERE conversation_id = $conv
		AND status IN [$pending, $streaming] ORDER BY priority DESC, queued_at ASC`
	vars := map[string]any{
		"conv":      conversationID,
		"pending":   models.JobStatusPending,
		"streaming": models.JobStatusStreaming,
	}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) AllActiveJobs(ctx context.Context) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + ` FROM jobs WHERE status IN [$pending, $streaming]
		ORDER BY priority DESC, queued_at ASC`
	vars := map[string]any{
		"pending":   models.JobStatusPending,
		"streaming": models.JobStatusStreaming,
	}
	return s.queryJobs(ctx, sql, vars)
}

func (s *JobStore) ListPending(ctx context.Context) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + ` FROM jobs WHERE status = $pending
		ORDER BY priority DESC, queued_at ASC`
	return s.queryJobs(ctx, sql, map[string]any{"pending": models.JobStatusPending})
}

func (s *JobStore) StreamingJob(ctx context.Context) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM jobs WHERE status = $streaming LIMIT 1"
	jobs, err := s.queryJobs(ctx, sql, map[string]any{"streaming": models.JobStatusStreaming})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (s *JobStore) QueueSnapshot(ctx context.Context) (*models.QueueSnapshot, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &models.QueueSnapshot{
		Pending:    pending,
		PendingLen: len(pending),
	}

	streaming, err := s.StreamingJob(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Processing = streaming
	return snapshot, nil
}

func (s *JobStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	sql := `DELETE FROM jobs WHERE status IN [$completed, $error, $cancelled]
		AND completed_at < $cutoff`
	vars := map[string]any{
		"completed": models.JobStatusCompleted,
		"error":     models.JobStatusError,
		"cancelled": models.JobStatusCancelled,
		"cutoff":    olderThan,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	// SurrealDB DELETE doesn't return count easily, return 0
	return 0, nil
}

// --- internals ---

func (s *JobStore) getLocked(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM jobs WHERE job_id = $id LIMIT 1"
	jobs, err := s.queryJobs(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (s *JobStore) recomputePositionsLocked(ctx context.Context) error {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return err
	}

	for i, job := range pending {
		want := i + 1
		if job.QueuePosition == want {
			continue
		}
		sql := "UPDATE $rid SET queue_position = $pos WHERE status = $pending"
		vars := map[string]any{
			"rid":     surrealmodels.NewRecordID("jobs", job.ID),
			"pos":     want,
			"pending": models.JobStatusPending,
		}
		if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
			return fmt.Errorf("failed to update queue position for job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

// Compile-time check
var _ interfaces.JobStore = (*JobStore)(nil)
