package llmqueue

import (
	"context"
	"sync"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// Reaper fails jobs that outlived their timeouts and purges old terminal
// jobs. Two independent scans: pending jobs past the queue timeout and
// streaming jobs whose content stopped moving.
type Reaper struct {
	svc *Service

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewReaper creates a reaper bound to the queue service.
func NewReaper(svc *Service) *Reaper {
	return &Reaper{svc: svc}
}

// RecoverOrphans fails jobs left in streaming by a previous process. An
// interrupted stream cannot be resumed, so the job is failed and the
// linked message flipped with it. Called once before dispatch starts.
func (r *Reaper) RecoverOrphans(ctx context.Context) error {
	active, err := r.svc.storage.JobStore().AllActiveJobs(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, job := range active {
		if job.Status != models.JobStatusStreaming {
			continue
		}
		r.svc.failJob(ctx, job.ID, models.StreamTimeoutMessage)
		recovered++
	}

	if recovered > 0 {
		r.svc.logger.Warn().Int("jobs", recovered).Msg("Recovered orphaned streaming jobs")
	}
	return nil
}

// Start launches the timeout scan and the terminal-job GC.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.scanLoop(ctx)
	go r.gcLoop(ctx)
}

// Stop terminates the loops and waits for them.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) scanLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.svc.config.Queue.GetReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// scan fails pending jobs stuck past the queue timeout and streaming jobs
// whose last update is older than the idle timeout.
func (r *Reaper) scan(ctx context.Context) {
	active, err := r.svc.storage.JobStore().AllActiveJobs(ctx)
	if err != nil {
		r.svc.logger.Error().Err(err).Msg("Reaper scan failed")
		return
	}

	now := time.Now()
	queueTimeout := r.svc.config.Queue.GetQueueTimeout()
	idleTimeout := r.svc.config.Queue.GetStreamIdleTimeout()

	for _, job := range active {
		switch job.Status {
		case models.JobStatusPending:
			if now.Sub(job.QueuedAt) >= queueTimeout {
				r.svc.logger.Warn().
					Str("job_id", job.ID).
					Time("queued_at", job.QueuedAt).
					Msg("Reaping job stuck in queue")
				r.svc.failJob(ctx, job.ID, models.QueueTimeoutMessage)
			}

		case models.JobStatusStreaming:
			last := job.LastUpdateAt
			if last.IsZero() {
				last = job.StartedAt
			}
			if now.Sub(last) >= idleTimeout {
				r.svc.logger.Warn().
					Str("job_id", job.ID).
					Time("last_update", last).
					Msg("Reaping stalled streaming job")
				r.svc.failJob(ctx, job.ID, models.StreamTimeoutMessage)
				r.svc.arm()
			}
		}
	}
}

func (r *Reaper) gcLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.svc.config.Queue.GetGCInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.svc.config.Queue.GetGCRetention())
			n, err := r.svc.storage.JobStore().PurgeTerminal(ctx, cutoff)
			if err != nil {
				r.svc.logger.Error().Err(err).Msg("Terminal job purge failed")
				continue
			}
			if n > 0 {
				r.svc.logger.Info().Int("purged", n).Msg("Purged old terminal jobs")
			}
		}
	}
}
