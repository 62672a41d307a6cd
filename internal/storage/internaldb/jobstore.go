package internaldb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// JobStore implements interfaces.JobStore using BadgerHold. All status
// transitions run under a single mutex: the queue invariants (dense
// positions, at most one streaming job) span multiple records and the
// embedded store has no multi-key transactions to lean on.
type JobStore struct {
	db     *badgerhold.Store
	logger *common.Logger
	mu     sync.Mutex
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *badgerhold.Store, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
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

	if err := s.db.Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := s.recomputePositionsLocked(); err != nil {
		return err
	}

	// Reflect the assigned position on the caller's copy.
	updated, err := s.getLocked(job.ID)
	if err == nil && updated != nil {
		job.QueuePosition = updated.QueuePosition
	}
	return nil
}

func (s *JobStore) StartNext(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != models.JobStatusPending {
		// Raced with cancel or the reaper; nothing to start.
		return nil, nil
	}

	now := time.Now()
	job.Status = models.JobStatusStreaming
	job.StartedAt = now
	job.LastUpdateAt = now
	job.QueuePosition = 0

	if err := s.db.Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", id, err)
	}

	if err := s.recomputePositionsLocked(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) AppendContent(ctx context.Context, id string, delta models.ContentDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != models.JobStatusStreaming {
		// Late append after a terminal transition is dropped, not an error.
		return nil
	}

	job.Content += delta.Content
	job.Thinking += delta.Thinking
	if len(delta.Sources) > 0 && len(job.Sources) == 0 {
		job.Sources = delta.Sources
	}
	job.LastUpdateAt = time.Now()

	if err := s.db.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to append content to job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(id, models.JobStatusCompleted, "")
}

func (s *JobStore) ErrorJob(ctx context.Context, id, msg string) error {
	return s.finishJob(id, models.JobStatusError, msg)
}

func (s *JobStore) CancelJob(ctx context.Context, id string) error {
	return s.finishJob(id, models.JobStatusCancelled, models.CancelledMessage)
}

// finishJob applies a terminal transition. Terminal jobs are left untouched
// so cancel/complete stay idempotent and never resurrect a finished job.
func (s *JobStore) finishJob(id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
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
	job.Status = status
	job.CompletedAt = now
	job.LastUpdateAt = now
	job.QueuePosition = 0
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}

	if err := s.db.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return s.recomputePositionsLocked()
}

func (s *JobStore) SetPriority(ctx context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("job %s is not pending", id)
	}

	job.Priority = priority
	if err := s.db.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to set priority on job %s: %w", id, err)
	}
	return s.recomputePositionsLocked()
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *JobStore) ActiveJobsForConversation(ctx context.Context, conversationID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	query := badgerhold.Where("ConversationID").Eq(conversationID).
		And("Status").In(models.JobStatusPending, models.JobStatusStreaming)
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs for conversation: %w", err)
	}
	return sortedRefs(jobs), nil
}

func (s *JobStore) AllActiveJobs(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobsLocked()
}

func (s *JobStore) ListPending(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *JobStore) StreamingJob(ctx context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	if err := s.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusStreaming)); err != nil {
		return nil, fmt.Errorf("failed to find streaming job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (s *JobStore) QueueSnapshot(ctx context.Context) (*models.QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked()
	if err != nil {
		return nil, err
	}

	snapshot := &models.QueueSnapshot{
		Pending:    pending,
		PendingLen: len(pending),
	}

	var streaming []models.Job
	if err := s.db.Find(&streaming, badgerhold.Where("Status").Eq(models.JobStatusStreaming)); err != nil {
		return nil, fmt.Errorf("failed to find streaming job: %w", err)
	}
	if len(streaming) > 0 {
		snapshot.Processing = &streaming[0]
	}
	return snapshot, nil
}

func (s *JobStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusCompleted, models.JobStatusError, models.JobStatusCancelled)
	if err := s.db.Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	purged := 0
	for i := range jobs {
		if jobs[i].CompletedAt.Before(olderThan) {
			if err := s.db.Delete(jobs[i].ID, models.Job{}); err != nil {
				s.logger.Warn().Str("job_id", jobs[i].ID).Err(err).Msg("Failed to purge job")
				continue
			}
			purged++
		}
	}
	return purged, nil
}

// --- internals (callers hold s.mu) ---

func (s *JobStore) getLocked(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *JobStore) pendingLocked() ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusPending)); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return sortedRefs(jobs), nil
}

func (s *JobStore) activeJobsLocked() ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusPending, models.JobStatusStreaming)
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return sortedRefs(jobs), nil
}

// recomputePositionsLocked reassigns dense 1..N positions over pending jobs
// by (priority DESC, queuedAt ASC). Runs after every enqueue, start,
// terminal transition, and priority change.
func (s *JobStore) recomputePositionsLocked() error {
	pending, err := s.pendingLocked()
	if err != nil {
		return err
	}

	for i, job := range pending {
		want := i + 1
		if job.QueuePosition == want {
			continue
		}
		job.QueuePosition = want
		if err := s.db.Update(job.ID, job); err != nil {
			return fmt.Errorf("failed to update queue position for job %s: %w", job.ID, err)
		}
	}
	return nil
}

// sortedRefs orders jobs by (priority DESC, queuedAt ASC) and returns
// pointers. Badger cannot sort on mixed directions, so ordering happens
// here.
func sortedRefs(jobs []models.Job) []*models.Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].QueuedAt.Before(jobs[j].QueuedAt)
	})

	refs := make([]*models.Job, len(jobs))
	for i := range jobs {
		refs[i] = &jobs[i]
	}
	return refs
}

// Compile-time check
var _ interfaces.JobStore = (*JobStore)(nil)
