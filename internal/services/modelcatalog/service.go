// Package modelcatalog manages the curated model catalog and installer.
package modelcatalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// Progress checkpoints mapped from the runtime's pull status lines.
const (
	progressManifest  = 1
	progressBytesLow  = 2
	progressBytesHigh = 95
	progressVerifying = 96
	progressWriting   = 98
	progressDone      = 100
)

// Service implements interfaces.ModelService.
type Service struct {
	runtime   interfaces.RuntimeClient
	storage   interfaces.StorageManager
	residency interfaces.ResidencyManager
	config    *common.Config
	logger    *common.Logger

	mu        sync.Mutex
	downloads map[string]bool
}

// NewService creates a model catalog service.
func NewService(runtime interfaces.RuntimeClient, storage interfaces.StorageManager, residency interfaces.ResidencyManager, config *common.Config, logger *common.Logger) *Service {
	return &Service{
		runtime:   runtime,
		storage:   storage,
		residency: residency,
		config:    config,
		logger:    logger,
		downloads: make(map[string]bool),
	}
}

// ActiveDownload reports whether a pull for modelID is running in this
// process. Wired into the supervisor's catalog sync.
func (s *Service) ActiveDownload(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[modelID]
}

// SeedCatalog upserts the curated entries at boot. Existing rows are
// overwritten so catalog updates ship with the binary.
func (s *Service) SeedCatalog(ctx context.Context, entries []*models.CatalogEntry) error {
	for _, entry := range entries {
		if err := s.storage.ModelStore().UpsertCatalog(ctx, entry); err != nil {
			return fmt.Errorf("failed to seed catalog entry %s: %w", entry.ID, err)
		}
	}
	s.logger.Info().Int("entries", len(entries)).Msg("Catalog seeded")
	return nil
}

// Catalog returns merged catalog+installed rows in catalog order.
func (s *Service) Catalog(ctx context.Context) ([]*models.CatalogModel, error) {
	entries, err := s.storage.ModelStore().ListCatalog(ctx)
	if err != nil {
		return nil, err
	}

	merged := make([]*models.CatalogModel, 0, len(entries))
	for _, entry := range entries {
		installed, err := s.storage.ModelStore().GetInstalled(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		merged = append(merged, &models.CatalogModel{CatalogEntry: *entry, Installed: installed})
	}
	return merged, nil
}

// Installed returns all installed model rows.
func (s *Service) Installed(ctx context.Context) ([]*models.InstalledModel, error) {
	return s.storage.ModelStore().ListInstalled(ctx)
}

// Download pulls a model from the runtime's registry, mapping upstream
// status lines onto a 0..100 progress scale. Progress persistence is
// throttled to changes. The first successful install becomes the default.
func (s *Service) Download(ctx context.Context, modelID string, onProgress func(int)) error {
	entry, err := s.storage.ModelStore().GetCatalog(ctx, modelID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("model %s is not in the catalog", modelID)
	}

	s.mu.Lock()
	if s.downloads[modelID] {
		s.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", modelID)
	}
	s.downloads[modelID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.downloads, modelID)
		s.mu.Unlock()
	}()

	existing, err := s.storage.ModelStore().GetInstalled(ctx, modelID)
	if err != nil {
		return err
	}
	row := &models.InstalledModel{ID: modelID, Status: models.ModelStatusDownloading}
	if existing != nil {
		row.IsDefault = existing.IsDefault
		row.LastUsedAt = existing.LastUsedAt
		row.UsageCount = existing.UsageCount
	}
	if err := s.storage.ModelStore().UpsertInstalled(ctx, row); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Runtime.GetDownloadTimeout())
	defer cancel()

	last := -1
	report := func(p int) {
		if p == last {
			return
		}
		last = p
		if err := s.storage.ModelStore().SetDownloadProgress(ctx, modelID, p); err != nil {
			s.logger.Debug().Err(err).Str("model", modelID).Msg("Progress write skipped")
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	err = s.runtime.Pull(ctx, entry.Runtime(), func(pp interfaces.PullProgress) error {
		report(mapProgress(pp))
		return nil
	})
	if err != nil {
		msg := fmt.Sprintf("Download failed: %v", err)
		if serr := s.storage.ModelStore().SetInstalledStatus(ctx, modelID, models.ModelStatusError, msg); serr != nil {
			s.logger.Warn().Err(serr).Str("model", modelID).Msg("Failed to record download error")
		}
		return fmt.Errorf("failed to download model %s: %w", modelID, err)
	}

	report(progressDone)

	row.Status = models.ModelStatusAvailable
	row.DownloadProgress = progressDone
	row.DownloadedAt = time.Now()
	row.ErrorMessage = ""
	if err := s.storage.ModelStore().UpsertInstalled(ctx, row); err != nil {
		return err
	}

	def, err := s.storage.ModelStore().GetDefault(ctx)
	if err == nil && def == nil {
		if err := s.storage.ModelStore().SetDefault(ctx, modelID); err != nil {
			s.logger.Warn().Err(err).Str("model", modelID).Msg("Failed to set first model as default")
		} else {
			s.logger.Info().Str("model", modelID).Msg("First installed model set as default")
		}
	}

	s.logger.Info().Str("model", modelID).Msg("Model downloaded")
	return nil
}

// mapProgress converts one upstream status line to a percentage.
func mapProgress(pp interfaces.PullProgress) int {
	switch pp.Status {
	case "pulling manifest":
		return progressManifest
	case "verifying sha256 digest":
		return progressVerifying
	case "writing manifest":
		return progressWriting
	case "success":
		return progressDone
	}
	if pp.Total > 0 {
		span := progressBytesHigh - progressBytesLow
		p := progressBytesLow + int(float64(span)*float64(pp.Completed)/float64(pp.Total))
		if p > progressBytesHigh {
			p = progressBytesHigh
		}
		return p
	}
	return progressBytesLow
}

// Delete unloads the model if resident, removes it from the runtime (a
// missing upstream model is tolerated), and drops the installed row.
func (s *Service) Delete(ctx context.Context, modelID string) error {
	installed, err := s.storage.ModelStore().GetInstalled(ctx, modelID)
	if err != nil {
		return err
	}
	if installed == nil {
		return fmt.Errorf("model %s is not installed", modelID)
	}

	external := modelID
	if entry, err := s.storage.ModelStore().GetCatalog(ctx, modelID); err == nil && entry != nil {
		external = entry.Runtime()
	}

	if loaded, err := s.residency.LoadedModel(ctx); err == nil && loaded != nil && loaded.ExternalName == external {
		if err := s.residency.Unload(ctx, modelID); err != nil {
			s.logger.Warn().Err(err).Str("model", modelID).Msg("Unload before delete failed")
		}
	}

	if err := s.runtime.Delete(ctx, external); err != nil {
		return fmt.Errorf("failed to delete model %s from runtime: %w", modelID, err)
	}

	if err := s.storage.ModelStore().DeleteInstalled(ctx, modelID); err != nil {
		return err
	}

	s.logger.Info().Str("model", modelID).Msg("Model deleted")
	return nil
}

// SetDefault marks an installed model as default.
func (s *Service) SetDefault(ctx context.Context, modelID string) error {
	return s.storage.ModelStore().SetDefault(ctx, modelID)
}

// GetDefaultModel resolves the effective default: explicit default, the
// loaded model when recognised, the most recently downloaded available
// model, the configured fallback, or none.
func (s *Service) GetDefaultModel(ctx context.Context) (string, error) {
	def, err := s.storage.ModelStore().GetDefault(ctx)
	if err != nil {
		return "", err
	}
	if def != nil {
		return def.ID, nil
	}

	if loaded, err := s.residency.LoadedModel(ctx); err == nil && loaded != nil {
		if id := s.catalogIDFor(ctx, loaded.ExternalName); id != "" {
			return id, nil
		}
	}

	installed, err := s.storage.ModelStore().ListInstalled(ctx)
	if err != nil {
		return "", err
	}
	var best *models.InstalledModel
	for _, m := range installed {
		if m.Status != models.ModelStatusAvailable {
			continue
		}
		if best == nil || m.DownloadedAt.After(best.DownloadedAt) {
			best = m
		}
	}
	if best != nil {
		return best.ID, nil
	}

	if s.config.Runtime.DefaultModel != "" {
		return s.config.Runtime.DefaultModel, nil
	}
	return "", nil
}

// catalogIDFor maps a runtime-side name back to a catalog id. Installed
// rows keyed by raw runtime names match directly.
func (s *Service) catalogIDFor(ctx context.Context, external string) string {
	entries, err := s.storage.ModelStore().ListCatalog(ctx)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.Runtime() == external {
			return entry.ID
		}
	}
	if installed, err := s.storage.ModelStore().GetInstalled(ctx, external); err == nil && installed != nil {
		return installed.ID
	}
	return ""
}

// ResolveModel echoes an explicit request or falls back to the default.
// Validation against the runtime happens at activation time.
func (s *Service) ResolveModel(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}

	def, err := s.GetDefaultModel(ctx)
	if err != nil {
		return "", err
	}
	if def == "" {
		return "", fmt.Errorf("no model requested and no default model configured")
	}
	return def, nil
}

// Status aggregates runtime readiness, residency, and queue counts.
func (s *Service) Status(ctx context.Context) (*models.SystemStatus, error) {
	status := &models.SystemStatus{}

	if _, err := s.runtime.Tags(ctx); err == nil {
		status.RuntimeReady = true
	}

	if loaded, err := s.residency.LoadedModel(ctx); err == nil {
		status.LoadedModel = loaded
	}

	if def, err := s.GetDefaultModel(ctx); err == nil {
		status.DefaultModel = def
	}

	snap, err := s.storage.JobStore().QueueSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	status.PendingJobs = snap.PendingLen
	if snap.Processing != nil {
		status.StreamingJob = snap.Processing.ID
	}

	installed, err := s.storage.ModelStore().ListInstalled(ctx)
	if err == nil {
		for _, m := range installed {
			if m.Status == models.ModelStatusAvailable {
				status.InstalledCount++
			}
		}
	}

	if switches, err := s.storage.SwitchLogStore().Recent(ctx, 10); err == nil {
		status.RecentSwitches = switches
	}

	return status, nil
}

// Compile-time check
var _ interfaces.ModelService = (*Service)(nil)
