// Package residency enforces the single-model residency rule of the edge
// appliance: at most one model loaded, switches serialised and recorded.
package residency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// ErrModelNotAvailable reports that the runtime does not have the model
// on disk.
var ErrModelNotAvailable = errors.New("not available on the runtime")

// requestInfo tracks one in-flight inference request for the supervisor.
type requestInfo struct {
	modelID   string
	startedAt time.Time
}

// Manager implements interfaces.ResidencyManager. All activations pass
// through a single mutex so two jobs can never load models concurrently.
type Manager struct {
	runtime interfaces.RuntimeClient
	storage interfaces.StorageManager
	config  *common.Config
	logger  *common.Logger

	switchMu   sync.Mutex
	lastSwitch time.Time

	// lastPickReason remembers why PickNextBatched decided to switch to a
	// model, so the subsequent Activate can record it.
	pickMu         sync.Mutex
	lastPickReason map[string]string

	reqMu        sync.Mutex
	requests     map[string]requestInfo
	lastActivity time.Time
}

// NewManager creates a residency manager.
func NewManager(runtime interfaces.RuntimeClient, storage interfaces.StorageManager, config *common.Config, logger *common.Logger) *Manager {
	return &Manager{
		runtime:        runtime,
		storage:        storage,
		config:         config,
		logger:         logger,
		lastPickReason: make(map[string]string),
		requests:       make(map[string]requestInfo),
		lastActivity:   time.Now(),
	}
}

// runtimeName resolves a catalog id to the runtime-side model name.
// Unknown ids pass through unchanged.
func (m *Manager) runtimeName(ctx context.Context, modelID string) string {
	entry, err := m.storage.ModelStore().GetCatalog(ctx, modelID)
	if err != nil || entry == nil {
		return modelID
	}
	return entry.Runtime()
}

// Activate makes modelID resident. No-ops when it already is. Concurrent
// activations are serialised, and a floor of one switch cooldown is kept
// between consecutive switches so a thrashing queue cannot flap models.
func (m *Manager) Activate(ctx context.Context, modelID, triggeredBy string) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	external := m.runtimeName(ctx, modelID)

	loaded, err := m.LoadedModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to query loaded model: %w", err)
	}
	if loaded != nil && loaded.ExternalName == external {
		return nil
	}

	if wait := m.config.Residency.GetSwitchCooldown() - time.Since(m.lastSwitch); wait > 0 {
		m.logger.Debug().Dur("wait", wait).Msg("Switch cooldown in effect")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.ValidateAvailability(ctx, modelID); err != nil {
		if errors.Is(err, ErrModelNotAvailable) {
			m.markUnavailable(ctx, modelID, err)
		}
		return err
	}

	start := time.Now()
	fromModel := ""
	if loaded != nil {
		fromModel = loaded.ExternalName
		if err := m.unloadExternal(ctx, fromModel); err != nil {
			m.logger.Warn().Err(err).Str("model", fromModel).Msg("Unload of previous model failed, loading anyway")
		}
	}

	if err := m.warmUp(ctx, external); err != nil {
		return fmt.Errorf("failed to load model %s: %w", modelID, err)
	}

	m.lastSwitch = time.Now()

	sw := &models.ModelSwitch{
		FromModel:   fromModel,
		ToModel:     modelID,
		DurationMS:  time.Since(start).Milliseconds(),
		TriggeredBy: triggeredBy,
		Reason:      m.takePickReason(modelID),
		SwitchedAt:  time.Now(),
	}
	if err := m.storage.SwitchLogStore().Record(ctx, sw); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to record model switch")
	}

	m.logger.Info().
		Str("from", fromModel).
		Str("to", modelID).
		Int64("duration_ms", sw.DurationMS).
		Str("triggered_by", triggeredBy).
		Msg("Model switched")
	return nil
}

// warmUp issues a minimal generate call so the runtime loads the model and
// keeps it resident for the configured keep_alive.
func (m *Manager) warmUp(ctx context.Context, external string) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.Runtime.GetActivateTimeout())
	defer cancel()

	stream, err := m.runtime.Generate(ctx, interfaces.GenerateRequest{
		Model:     external,
		Prompt:    " ",
		KeepAlive: m.config.Residency.GetDefaultKeepAlive(),
		Options:   interfaces.GenerateOptions{NumPredict: 1},
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

// EnsureLoaded loads modelID if it is not already resident.
func (m *Manager) EnsureLoaded(ctx context.Context, modelID string) error {
	loaded, err := m.LoadedModel(ctx)
	if err != nil {
		return err
	}
	if loaded != nil && loaded.ExternalName == m.runtimeName(ctx, modelID) {
		return nil
	}
	return m.Activate(ctx, modelID, "auto_reload")
}

// Unload evicts modelID from runtime memory via a zero keep_alive request.
func (m *Manager) Unload(ctx context.Context, modelID string) error {
	return m.unloadExternal(ctx, m.runtimeName(ctx, modelID))
}

func (m *Manager) unloadExternal(ctx context.Context, external string) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.Runtime.GetUnloadTimeout())
	defer cancel()

	stream, err := m.runtime.Generate(ctx, interfaces.GenerateRequest{
		Model:     external,
		Prompt:    "",
		KeepAlive: 0,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}

// LoadedModel returns the resident model per the runtime, or nil.
func (m *Manager) LoadedModel(ctx context.Context) (*models.LoadedModel, error) {
	procs, err := m.runtime.Ps(ctx)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, nil
	}

	p := procs[0]
	return &models.LoadedModel{
		ExternalName: p.Name,
		RAMMB:        p.Size / (1024 * 1024),
		ExpiresAt:    p.ExpiresAt,
	}, nil
}

// ValidateAvailability checks that the runtime has the model on disk.
func (m *Manager) ValidateAvailability(ctx context.Context, modelID string) error {
	external := m.runtimeName(ctx, modelID)

	tags, err := m.runtime.Tags(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runtime models: %w", err)
	}
	for _, t := range tags {
		if t.Name == external {
			return nil
		}
	}
	return fmt.Errorf("model %s is %w", modelID, ErrModelNotAvailable)
}

// markUnavailable flips the installed row to error when activation finds
// the model missing from the runtime, so the model list stops advertising
// it before the next catalog sync. Rows mid-download are left alone.
func (m *Manager) markUnavailable(ctx context.Context, modelID string, cause error) {
	installed, err := m.storage.ModelStore().GetInstalled(ctx, modelID)
	if err != nil || installed == nil || installed.Status == models.ModelStatusDownloading {
		return
	}
	if err := m.storage.ModelStore().SetInstalledStatus(ctx, modelID, models.ModelStatusError, cause.Error()); err != nil {
		m.logger.Warn().Err(err).Str("model", modelID).Msg("Failed to flag unavailable model")
		return
	}
	m.logger.Warn().Str("model", modelID).Msg("Model missing from runtime, installed row marked as error")
}

// PickNextBatched applies the smart batching policy over pending jobs.
//
// The policy prefers jobs that match the resident model to avoid switch
// churn, bounded by each job's max wait: a job for another model that has
// waited past its bound forces a switch, and a strictly higher-priority
// job for another model overrides the matching run.
func (m *Manager) PickNextBatched(ctx context.Context, currentModel string) (*models.BatchPick, error) {
	pending, err := m.storage.JobStore().ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	head := pending[0]

	if !m.config.Queue.BatchingEnabled || currentModel == "" {
		return m.pick(head, currentModel, models.SwitchReasonNoCurrent), nil
	}

	// Starvation bound: the oldest over-waited job for another model wins.
	now := time.Now()
	for _, job := range pending {
		if m.runtimeName(ctx, job.RequestedModel) == currentModel {
			continue
		}
		maxWait := time.Duration(job.MaxWaitSeconds) * time.Second
		if job.MaxWaitSeconds <= 0 {
			maxWait = m.config.Queue.GetDefaultMaxWait()
		}
		if now.Sub(job.QueuedAt) >= maxWait {
			return m.pick(job, currentModel, models.SwitchReasonMaxWaitExceeded), nil
		}
	}

	var matching *models.Job
	for _, job := range pending {
		if m.runtimeName(ctx, job.RequestedModel) == currentModel {
			matching = job
			break
		}
	}

	if matching == nil {
		return m.pick(head, currentModel, models.SwitchReasonQueueEmpty), nil
	}

	if head.ID != matching.ID && head.Priority > matching.Priority {
		return m.pick(head, currentModel, models.SwitchReasonPriorityOverride), nil
	}

	return m.pick(matching, currentModel, ""), nil
}

func (m *Manager) pick(job *models.Job, currentModel, reason string) *models.BatchPick {
	shouldSwitch := m.runtimeNameCached(job.RequestedModel) != currentModel
	p := &models.BatchPick{
		JobID:          job.ID,
		RequestedModel: job.RequestedModel,
		ShouldSwitch:   shouldSwitch,
	}
	if shouldSwitch {
		p.SwitchReason = reason
		m.setPickReason(job.RequestedModel, reason)
	}
	return p
}

// runtimeNameCached resolves without a context for the hot pick path.
func (m *Manager) runtimeNameCached(modelID string) string {
	return m.runtimeName(context.Background(), modelID)
}

func (m *Manager) setPickReason(modelID, reason string) {
	m.pickMu.Lock()
	m.lastPickReason[modelID] = reason
	m.pickMu.Unlock()
}

func (m *Manager) takePickReason(modelID string) string {
	m.pickMu.Lock()
	defer m.pickMu.Unlock()
	reason := m.lastPickReason[modelID]
	delete(m.lastPickReason, modelID)
	return reason
}

// TrackRequestStart records an in-flight inference request and bumps the
// model's usage stats.
func (m *Manager) TrackRequestStart(requestID, modelID string) {
	now := time.Now()

	m.reqMu.Lock()
	m.requests[requestID] = requestInfo{modelID: modelID, startedAt: now}
	m.lastActivity = now
	m.reqMu.Unlock()

	if err := m.storage.ModelStore().RecordUsage(context.Background(), modelID, now); err != nil {
		m.logger.Debug().Err(err).Str("model", modelID).Msg("Usage record skipped")
	}
}

// TrackRequestEnd clears an in-flight request.
func (m *Manager) TrackRequestEnd(requestID string) {
	m.reqMu.Lock()
	delete(m.requests, requestID)
	m.lastActivity = time.Now()
	m.reqMu.Unlock()
}

// ActiveRequests returns the count of in-flight requests and the age of
// the oldest one.
func (m *Manager) ActiveRequests() (int, time.Duration) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	var oldest time.Duration
	for _, r := range m.requests {
		if age := time.Since(r.startedAt); age > oldest {
			oldest = age
		}
	}
	return len(m.requests), oldest
}

// LastActivity returns when a request last started or finished.
func (m *Manager) LastActivity() time.Time {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	return m.lastActivity
}

// Compile-time check
var _ interfaces.ResidencyManager = (*Manager)(nil)
