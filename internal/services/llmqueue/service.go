// Package llmqueue implements the durable job queue, the streaming
// dispatcher, and the per-job subscription bus.
package llmqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// Service implements interfaces.QueueService. A single dispatch goroutine
// drains the queue, so at most one job streams at any time.
type Service struct {
	storage   interfaces.StorageManager
	runtime   interfaces.RuntimeClient
	residency interfaces.ResidencyManager
	modelSvc  interfaces.ModelService
	config    *common.Config
	logger    *common.Logger

	bus *Bus
	hub *Hub

	signal chan struct{}

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	traceMu sync.Mutex
	traces  map[string]*streamTrace

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewService creates the queue service. The hub is optional.
func NewService(storage interfaces.StorageManager, runtime interfaces.RuntimeClient, residency interfaces.ResidencyManager, modelSvc interfaces.ModelService, bus *Bus, hub *Hub, config *common.Config, logger *common.Logger) *Service {
	return &Service{
		storage:   storage,
		runtime:   runtime,
		residency: residency,
		modelSvc:  modelSvc,
		config:    config,
		logger:    logger,
		bus:       bus,
		hub:       hub,
		signal:    make(chan struct{}, 1),
		cancels:   make(map[string]context.CancelFunc),
		traces:    make(map[string]*streamTrace),
	}
}

// Bus exposes the subscription bus for transports relaying job events.
func (s *Service) Bus() *Bus {
	return s.bus
}

// Start launches the dispatch loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	s.arm()
}

// Stop cancels the dispatch loop and any in-flight stream, then waits.
func (s *Service) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// arm wakes the dispatch loop. Coalesces when a wakeup is already queued.
func (s *Service) arm() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Enqueue persists a new job with its placeholder assistant message and
// arms the dispatcher.
func (s *Service) Enqueue(ctx context.Context, conversationID, jobType string, payload models.RequestPayload, opts models.EnqueueOptions) (*models.EnqueueResult, error) {
	if jobType != models.JobTypeChat && jobType != models.JobTypeRAG {
		return nil, fmt.Errorf("unknown job type: %s", jobType)
	}

	resolved, err := s.modelSvc.ResolveModel(ctx, opts.Model)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()[:8]

	msg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Status:         models.MessageStatusPending,
		JobID:          jobID,
	}
	if err := s.storage.MessageStore().Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to create placeholder message: %w", err)
	}

	maxWait := opts.MaxWaitSeconds
	if maxWait <= 0 {
		maxWait = int(s.config.Queue.GetDefaultMaxWait() / time.Second)
	}

	job := &models.Job{
		ID:             jobID,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Type:           jobType,
		RequestedModel: resolved,
		ModelSequence:  opts.ModelSequence,
		Priority:       opts.Priority,
		MaxWaitSeconds: maxWait,
		Payload:        payload,
	}
	if err := s.storage.JobStore().Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", jobType).
		Str("model", resolved).
		Int("position", job.QueuePosition).
		Msg("Job enqueued")

	s.publishQueueEvent(ctx, models.QueueEventQueued, job)
	s.arm()

	return &models.EnqueueResult{
		JobID:         job.ID,
		MessageID:     msg.ID,
		QueuePosition: job.QueuePosition,
		ResolvedModel: resolved,
	}, nil
}

// Subscribe registers cb on the job's topic. Late joiners of a live
// stream get its in-memory trace as a synthetic pre-roll, so tokens held
// by the content batcher are never skipped; subscribers of a terminal job
// get the replayed ending only.
func (s *Service) Subscribe(jobID string, cb func(models.StreamEvent)) (func(), error) {
	ctx := context.Background()

	job, err := s.storage.JobStore().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	// The trace exists from just before the job leaves pending until after
	// its terminal write. Snapshotting and registering under the trace
	// lock means no published event can fall between the two.
	if trace := s.traceFor(jobID); trace != nil {
		trace.mu.Lock()
		preroll := trace.preroll()
		if len(preroll) == 0 && job.Status == models.JobStatusPending {
			preroll = buildPreroll(job)
		}
		unsub := s.bus.Subscribe(jobID, preroll, cb)
		trace.mu.Unlock()
		return unsub, nil
	}

	if job.Status == models.JobStatusStreaming {
		// The stream finished between the job read and the trace lookup;
		// re-read so the terminal replay below is not missed.
		if job, err = s.storage.JobStore().GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
	}

	preroll := buildPreroll(job)

	if models.IsTerminal(job.Status) {
		for _, ev := range preroll {
			s.bus.invoke(jobID, cb, ev)
		}
		return func() {}, nil
	}

	return s.bus.Subscribe(jobID, preroll, cb), nil
}

// registerTrace installs the live trace for a job about to stream.
func (s *Service) registerTrace(jobID string) *streamTrace {
	trace := &streamTrace{}
	s.traceMu.Lock()
	s.traces[jobID] = trace
	s.traceMu.Unlock()
	return trace
}

func (s *Service) removeTrace(jobID string) {
	s.traceMu.Lock()
	delete(s.traces, jobID)
	s.traceMu.Unlock()
}

func (s *Service) traceFor(jobID string) *streamTrace {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return s.traces[jobID]
}

// publishTraced records ev in the live trace and publishes it as one
// atomic step.
func (s *Service) publishTraced(jobID string, trace *streamTrace, ev models.StreamEvent, record func(*streamTrace)) {
	trace.mu.Lock()
	if record != nil {
		record(trace)
	}
	s.bus.Publish(jobID, ev)
	trace.mu.Unlock()
}

// buildPreroll reconstructs the event history a late joiner needs.
func buildPreroll(job *models.Job) []models.StreamEvent {
	var events []models.StreamEvent

	switch job.Status {
	case models.JobStatusPending:
		pos := job.QueuePosition
		events = append(events, models.StreamEvent{
			Type:          models.EventTypeStatus,
			Status:        models.JobStatusPending,
			QueuePosition: &pos,
		})

	case models.JobStatusStreaming, models.JobStatusCompleted:
		events = append(events, models.StatusEvent(job.RequestedModel))
		if len(job.Sources) > 0 {
			events = append(events, models.SourcesEvent(job.Sources))
		}
		if job.Thinking != "" {
			events = append(events, models.ThinkingEvent(job.Thinking))
			if job.Content != "" || job.Status == models.JobStatusCompleted {
				events = append(events, models.ThinkingEndEvent())
			}
		}
		if job.Content != "" {
			events = append(events, models.ResponseEvent(job.Content))
		}
		if job.Status == models.JobStatusCompleted {
			events = append(events, models.DoneEvent(job.RequestedModel, job.ID))
		}

	case models.JobStatusError:
		events = append(events, models.ErrorEvent(job.ErrorMessage))

	case models.JobStatusCancelled:
		events = append(events, models.CancelledEvent())
	}

	return events
}

// Cancel aborts a pending or streaming job. Terminal jobs are a no-op.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.storage.JobStore().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if models.IsTerminal(job.Status) {
		return nil
	}

	if job.Status == models.JobStatusStreaming {
		s.cancelMu.Lock()
		cancel := s.cancels[jobID]
		s.cancelMu.Unlock()
		if cancel != nil {
			// The dispatcher observes the aborted stream and finishes the
			// cancellation path itself.
			cancel()
			return nil
		}
	}

	if err := s.storage.JobStore().CancelJob(ctx, jobID); err != nil {
		return err
	}
	s.finishNotify(ctx, jobID, models.CancelledEvent(), models.QueueEventCancelled)
	s.arm()
	return nil
}

// Prioritize moves a pending job to priority 1 so the next pick prefers it.
func (s *Service) Prioritize(ctx context.Context, jobID string) error {
	if err := s.storage.JobStore().SetPriority(ctx, jobID, 1); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", jobID).Msg("Job prioritized")
	s.arm()
	return nil
}

// QueueStatus returns the current queue snapshot.
func (s *Service) QueueStatus(ctx context.Context) (*models.QueueSnapshot, error) {
	return s.storage.JobStore().QueueSnapshot(ctx)
}

// dispatchLoop drains the queue one job at a time. The ticker is a safety
// net against a lost wakeup.
func (s *Service) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		case <-ticker.C:
		}
		s.processNext(ctx)
	}
}

// processNext picks and runs the next job when the pipeline is idle.
func (s *Service) processNext(ctx context.Context) {
	streaming, err := s.storage.JobStore().StreamingJob(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query streaming job")
		return
	}
	if streaming != nil {
		return
	}

	current := ""
	if loaded, err := s.residency.LoadedModel(ctx); err == nil && loaded != nil {
		current = loaded.ExternalName
	}

	pick, err := s.residency.PickNextBatched(ctx, current)
	if err != nil {
		s.logger.Error().Err(err).Msg("Batch pick failed")
		return
	}
	if pick == nil {
		return
	}

	model, err := s.prepareModel(ctx, pick)
	if err != nil {
		s.failJob(ctx, pick.JobID, fmt.Sprintf("Model activation failed: %v", err))
		s.arm()
		return
	}

	// The trace goes up before the job row flips to streaming, so a
	// subscriber that reads a streaming row always finds it.
	trace := s.registerTrace(pick.JobID)

	job, err := s.storage.JobStore().StartNext(ctx, pick.JobID)
	if err != nil {
		s.removeTrace(pick.JobID)
		s.logger.Error().Err(err).Str("job_id", pick.JobID).Msg("Failed to start job")
		return
	}
	if job == nil {
		// Raced with cancel or the reaper.
		s.removeTrace(pick.JobID)
		s.arm()
		return
	}

	s.publishQueueEvent(ctx, models.QueueEventStarted, job)
	s.dispatch(ctx, job, model, trace)
	s.arm()
}

// prepareModel makes the picked model resident, trying the job's ordered
// alternates when the primary cannot be activated. Returns the model that
// ended up resident.
func (s *Service) prepareModel(ctx context.Context, pick *models.BatchPick) (string, error) {
	candidates := []string{pick.RequestedModel}
	if job, err := s.storage.JobStore().GetJob(ctx, pick.JobID); err == nil && job != nil {
		for _, alt := range job.ModelSequence {
			if alt != pick.RequestedModel {
				candidates = append(candidates, alt)
			}
		}
	}

	var lastErr error
	for _, model := range candidates {
		var err error
		if pick.ShouldSwitch {
			err = s.residency.Activate(ctx, model, "queue")
		} else {
			err = s.residency.EnsureLoaded(ctx, model)
		}
		if err == nil {
			return model, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Str("model", model).Str("job_id", pick.JobID).Msg("Model activation failed")
	}
	return "", lastErr
}

// failJob marks a job failed and notifies subscribers.
func (s *Service) failJob(ctx context.Context, jobID, msg string) {
	if err := s.storage.JobStore().ErrorJob(ctx, jobID, msg); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job error")
		return
	}
	s.finishNotify(ctx, jobID, models.ErrorEvent(msg), models.QueueEventFailed)
}

// finishNotify publishes the terminal event, syncs the linked message, and
// broadcasts the queue-level event. When a live trace exists (the reaper
// can fail a job mid-stream) the ending is recorded there too, so later
// subscribers still see it.
func (s *Service) finishNotify(ctx context.Context, jobID string, ev models.StreamEvent, queueEvent string) {
	if trace := s.traceFor(jobID); trace != nil {
		s.publishTraced(jobID, trace, ev, func(t *streamTrace) {
			t.final = &ev
		})
	} else {
		s.bus.Publish(jobID, ev)
	}

	job, err := s.storage.JobStore().GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if err := s.storage.MessageStore().SyncFromJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Message sync failed")
	}
	s.publishQueueEvent(ctx, queueEvent, job)
}

// publishQueueEvent broadcasts a job lifecycle event on the hub.
func (s *Service) publishQueueEvent(ctx context.Context, eventType string, job *models.Job) {
	if s.hub == nil {
		return
	}

	size := 0
	if snap, err := s.storage.JobStore().QueueSnapshot(ctx); err == nil {
		size = snap.PendingLen
	}
	s.hub.Broadcast(models.QueueEvent{
		Type:      eventType,
		Job:       job,
		Timestamp: time.Now(),
		QueueSize: size,
	})
}

// Compile-time check
var _ interfaces.QueueService = (*Service)(nil)
