package residency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// DownloadAbortedMessage is recorded on installed rows whose download died
// with the process.
const DownloadAbortedMessage = "Download aborted - please retry"

// Supervisor owns the background loops around model residency: the boot
// readiness gate, the periodic catalog/runtime sync, the inactivity
// auto-unload, and the memory pressure watch.
type Supervisor struct {
	runtime interfaces.RuntimeClient
	storage interfaces.StorageManager
	manager *Manager
	config  *common.Config
	logger  *common.Logger

	// activeDownload reports whether a pull for the model id is currently
	// running in this process. Used to tell a live download apart from one
	// orphaned by a restart.
	activeDownload func(modelID string) bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSupervisor creates a residency supervisor.
func NewSupervisor(runtime interfaces.RuntimeClient, storage interfaces.StorageManager, manager *Manager, config *common.Config, logger *common.Logger) *Supervisor {
	return &Supervisor{
		runtime:        runtime,
		storage:        storage,
		manager:        manager,
		config:         config,
		logger:         logger,
		activeDownload: func(string) bool { return false },
	}
}

// SetDownloadProbe wires the installer's live-download check.
func (s *Supervisor) SetDownloadProbe(probe func(modelID string) bool) {
	if probe != nil {
		s.activeDownload = probe
	}
}

// WaitForRuntime polls the runtime until it answers, with exponential
// backoff capped at twice the initial retry, within the readiness budget.
func (s *Supervisor) WaitForRuntime(ctx context.Context) error {
	budget := s.config.Runtime.GetReadinessBudget()
	retry := s.config.Runtime.GetReadinessRetry()
	cap := 2 * retry

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	for {
		if _, err := s.runtime.Tags(ctx); err == nil {
			s.logger.Info().Dur("waited", time.Since(start)).Msg("Runtime is ready")
			return nil
		} else {
			s.logger.Debug().Err(err).Msg("Runtime not ready yet")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime did not become ready within %s", budget)
		case <-time.After(retry):
		}

		retry = time.Duration(float64(retry) * 1.5)
		if retry > cap {
			retry = cap
		}
	}
}

// Start launches the background loops. They run until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.runLoop(ctx, "catalog-sync", s.config.Residency.GetSyncInterval(), s.syncInstalled)
	s.runLoop(ctx, "smart-unload", s.config.Residency.GetUnloadCheckInterval(), s.checkUnload)
	s.runLoop(ctx, "pressure-watch", s.config.Residency.GetUnloadCheckInterval(), s.checkPressure)
}

// Stop terminates the loops and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("loop", name).Interface("panic", r).Msg("Supervisor loop panicked")
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// syncInstalled reconciles installed rows against the runtime's tag list.
// Models present upstream are marked available; rows stuck in downloading
// with no live pull are flipped to error.
func (s *Supervisor) syncInstalled(ctx context.Context) {
	tags, err := s.runtime.Tags(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Catalog sync skipped, runtime unreachable")
		return
	}
	onRuntime := make(map[string]bool, len(tags))
	for _, t := range tags {
		onRuntime[t.Name] = true
	}

	catalog, err := s.storage.ModelStore().ListCatalog(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Catalog sync failed to list catalog")
		return
	}

	matched := make(map[string]bool, len(catalog))

	for _, entry := range catalog {
		installed, err := s.storage.ModelStore().GetInstalled(ctx, entry.ID)
		if err != nil {
			continue
		}

		present := onRuntime[entry.Runtime()]
		if present {
			matched[entry.Runtime()] = true
		}

		switch {
		case present && (installed == nil || installed.Status != models.ModelStatusAvailable):
			if installed != nil && installed.Status == models.ModelStatusDownloading && s.activeDownload(entry.ID) {
				continue
			}
			row := &models.InstalledModel{
				ID:               entry.ID,
				Status:           models.ModelStatusAvailable,
				DownloadProgress: 100,
				DownloadedAt:     time.Now(),
			}
			if installed != nil {
				row.IsDefault = installed.IsDefault
				row.LastUsedAt = installed.LastUsedAt
				row.UsageCount = installed.UsageCount
				row.DownloadedAt = installed.DownloadedAt
				if row.DownloadedAt.IsZero() {
					row.DownloadedAt = time.Now()
				}
			}
			if err := s.storage.ModelStore().UpsertInstalled(ctx, row); err != nil {
				s.logger.Warn().Err(err).Str("model", entry.ID).Msg("Failed to mark model available")
			} else {
				s.logger.Info().Str("model", entry.ID).Msg("Model discovered on runtime")
			}

		case !present && installed != nil && installed.Status == models.ModelStatusDownloading && !s.activeDownload(entry.ID):
			if err := s.storage.ModelStore().SetInstalledStatus(ctx, entry.ID, models.ModelStatusError, DownloadAbortedMessage); err != nil {
				s.logger.Warn().Err(err).Str("model", entry.ID).Msg("Failed to flip orphaned download")
			} else {
				s.logger.Warn().Str("model", entry.ID).Msg("Orphaned download marked as failed")
			}

		case !present && installed != nil && installed.Status == models.ModelStatusAvailable:
			if err := s.storage.ModelStore().SetInstalledStatus(ctx, entry.ID, models.ModelStatusError, "Model missing from runtime"); err != nil {
				s.logger.Warn().Err(err).Str("model", entry.ID).Msg("Failed to flag missing model")
			}
		}
	}

	// Runtime models outside the curated catalog still get an installed row
	// keyed by their raw name, so residency and default resolution see them.
	for _, t := range tags {
		if matched[t.Name] {
			continue
		}
		installed, err := s.storage.ModelStore().GetInstalled(ctx, t.Name)
		if err != nil || (installed != nil && installed.Status == models.ModelStatusAvailable) {
			continue
		}
		row := &models.InstalledModel{
			ID:               t.Name,
			Status:           models.ModelStatusAvailable,
			DownloadProgress: 100,
			DownloadedAt:     t.ModifiedAt,
		}
		if installed != nil {
			row.IsDefault = installed.IsDefault
			row.LastUsedAt = installed.LastUsedAt
			row.UsageCount = installed.UsageCount
		}
		if err := s.storage.ModelStore().UpsertInstalled(ctx, row); err != nil {
			s.logger.Warn().Err(err).Str("model", t.Name).Msg("Failed to register runtime model")
		}
	}
}

// checkUnload evicts the resident model after the inactivity threshold
// with no in-flight requests.
func (s *Supervisor) checkUnload(ctx context.Context) {
	active, _ := s.manager.ActiveRequests()
	if active > 0 {
		return
	}
	idle := time.Since(s.manager.LastActivity())
	if idle < s.config.Residency.GetInactivityThreshold() {
		return
	}

	loaded, err := s.manager.LoadedModel(ctx)
	if err != nil || loaded == nil {
		return
	}

	s.logger.Info().
		Str("model", loaded.ExternalName).
		Dur("idle", idle).
		Msg("Unloading idle model")
	if err := s.manager.unloadExternal(ctx, loaded.ExternalName); err != nil {
		s.logger.Warn().Err(err).Str("model", loaded.ExternalName).Msg("Idle unload failed")
	}
}

// checkPressure logs a warning when system memory is critical while a
// request has been running unusually long. Eviction is left to the
// operator; killing a live stream would lose the user's answer.
func (s *Supervisor) checkPressure(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return
	}
	if vm.UsedPercent < float64(s.config.Residency.GetRAMCriticalPercent()) {
		return
	}

	active, oldest := s.manager.ActiveRequests()
	if active > 0 && oldest >= s.config.Residency.GetLongRequest() {
		s.logger.Warn().
			Float64("used_percent", vm.UsedPercent).
			Dur("oldest_request", oldest).
			Msg("Memory critical with long-running request")
		return
	}

	s.logger.Warn().
		Float64("used_percent", vm.UsedPercent).
		Int("active_requests", active).
		Msg("System memory critical")
}
