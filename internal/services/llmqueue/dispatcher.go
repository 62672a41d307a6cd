package llmqueue

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// buildPrompt renders the job payload into a single prompt string. Chat
// payloads become a role-prefixed transcript; RAG payloads concatenate
// system, context, and query. The /no_think prefix tells thinking-capable
// models to skip the think block entirely.
func buildPrompt(job *models.Job) string {
	var b strings.Builder
	p := job.Payload

	switch job.Type {
	case models.JobTypeRAG:
		if p.System != "" {
			b.WriteString(p.System)
			b.WriteString("\n\n")
		}
		if p.Context != "" {
			b.WriteString("Context:\n")
			b.WriteString(p.Context)
			b.WriteString("\n\n")
		}
		b.WriteString(p.Query)

	default:
		for _, m := range p.Messages {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		b.WriteString("assistant:")
	}

	prompt := b.String()
	if !p.ThinkingEnabled {
		prompt = "/no_think " + prompt
	}
	return prompt
}

// runtimeModelName resolves a catalog id to the runtime-side name.
func (s *Service) runtimeModelName(ctx context.Context, modelID string) string {
	entry, err := s.storage.ModelStore().GetCatalog(ctx, modelID)
	if err != nil || entry == nil {
		return modelID
	}
	return entry.Runtime()
}

// dispatch executes one streaming job end to end. It runs on the dispatch
// goroutine, so the inference pipeline stays strictly serialised.
func (s *Service) dispatch(ctx context.Context, job *models.Job, modelID string, trace *streamTrace) {
	defer s.removeTrace(job.ID)

	jobCtx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancels[job.ID] = cancel
	s.cancelMu.Unlock()
	defer func() {
		cancel()
		s.cancelMu.Lock()
		delete(s.cancels, job.ID)
		s.cancelMu.Unlock()
	}()

	s.residency.TrackRequestStart(job.ID, modelID)
	defer s.residency.TrackRequestEnd(job.ID)

	batcher := newContentBatcher(
		s.storage.JobStore(), s.logger, job.ID,
		s.config.Queue.GetBatchFlushInterval(), s.config.Queue.GetBatchFlushChars(),
	)

	s.publishTraced(job.ID, trace, models.StatusEvent(modelID), func(t *streamTrace) {
		t.model = modelID
	})

	if job.Type == models.JobTypeRAG && len(job.Payload.Sources) > 0 {
		sources := job.Payload.Sources
		s.publishTraced(job.ID, trace, models.SourcesEvent(sources), func(t *streamTrace) {
			t.sources = sources
		})
		batcher.SetSources(ctx, sources)
	}

	stream, err := s.runtime.Generate(jobCtx, interfaces.GenerateRequest{
		Model:     s.runtimeModelName(ctx, modelID),
		Prompt:    buildPrompt(job),
		KeepAlive: s.config.Residency.GetDefaultKeepAlive(),
		Options: interfaces.GenerateOptions{
			Temperature: job.Payload.Temperature,
			NumPredict:  job.Payload.NumPredict,
		},
	})
	if err != nil {
		s.finishStream(ctx, job, batcher, trace, jobCtx.Err() == nil, fmt.Sprintf("Generate request failed: %v", err))
		return
	}
	defer stream.Close()

	parser := &thinkParser{}
	thinking := job.Payload.ThinkingEnabled

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A held partial-tag fragment is only worth emitting when the
			// stream ends on its own; a cancelled job should not grow.
			if jobCtx.Err() == nil {
				s.emitSegments(ctx, job, batcher, trace, parser.Flush(), thinking)
			}
			s.finishStream(ctx, job, batcher, trace, jobCtx.Err() == nil, fmt.Sprintf("Stream failed: %v", err))
			return
		}

		s.emitSegments(ctx, job, batcher, trace, parser.Feed(chunk.Response), thinking)

		if chunk.Done {
			break
		}
	}

	s.emitSegments(ctx, job, batcher, trace, parser.Flush(), thinking)
	s.finishStream(ctx, job, batcher, trace, true, "")
}

// emitSegments publishes classified segments and feeds the batcher.
// Thinking output is dropped entirely when the job disabled it.
func (s *Service) emitSegments(ctx context.Context, job *models.Job, batcher *contentBatcher, trace *streamTrace, segs []segment, thinkingEnabled bool) {
	for _, seg := range segs {
		text := seg.text
		switch {
		case seg.thinkingEnd:
			if thinkingEnabled {
				s.publishTraced(job.ID, trace, models.ThinkingEndEvent(), func(t *streamTrace) {
					t.thinkingDone = true
				})
			}
		case seg.thinking:
			if thinkingEnabled {
				s.publishTraced(job.ID, trace, models.ThinkingEvent(text), func(t *streamTrace) {
					t.thinking += text
				})
				batcher.AddThinking(ctx, text)
			}
		default:
			s.publishTraced(job.ID, trace, models.ResponseEvent(text), func(t *streamTrace) {
				t.content += text
			})
			batcher.AddContent(ctx, text)
		}
	}
}

// finishStream forces the final flush and drives the job to its terminal
// state: completed on a clean end, cancelled when the stream was aborted
// by the user, error otherwise. The terminal event matches whatever state
// actually won (the reaper or a cancel may have raced us).
func (s *Service) finishStream(ctx context.Context, job *models.Job, batcher *contentBatcher, trace *streamTrace, clean bool, errMsg string) {
	if err := batcher.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Final content flush failed")
	}

	store := s.storage.JobStore()
	switch {
	case !clean:
		if err := store.CancelJob(ctx, job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to cancel job")
		}
	case errMsg != "":
		if err := store.ErrorJob(ctx, job.ID, errMsg); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record stream error")
		}
	default:
		if err := store.CompleteJob(ctx, job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
		}
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil || final == nil {
		return
	}

	var ev models.StreamEvent
	var queueEvent string
	switch final.Status {
	case models.JobStatusCompleted:
		ev = models.DoneEvent(final.RequestedModel, final.ID)
		queueEvent = models.QueueEventCompleted
	case models.JobStatusCancelled:
		ev = models.CancelledEvent()
		queueEvent = models.QueueEventCancelled
	default:
		ev = models.ErrorEvent(final.ErrorMessage)
		queueEvent = models.QueueEventFailed
	}

	s.publishTraced(final.ID, trace, ev, func(t *streamTrace) {
		t.final = &ev
	})
	if err := s.storage.MessageStore().SyncFromJob(ctx, final); err != nil {
		s.logger.Warn().Err(err).Str("job_id", final.ID).Msg("Message sync failed")
	}
	s.publishQueueEvent(ctx, queueEvent, final)

	s.logger.Info().
		Str("job_id", final.ID).
		Str("status", final.Status).
		Int("content_len", len(final.Content)).
		Msg("Job finished")
}
