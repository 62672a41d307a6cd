package surrealdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

const catalogSelectFields = "catalog_id as id, external_name, display_name, ram_required_gb, tier, capabilities"

const installedSelectFields = "model_id as id, status, download_progress, is_default, " +
	"last_used_at, usage_count, downloaded_at, error_message"

// ModelStore implements interfaces.ModelStore using SurrealDB.
type ModelStore struct {
	db     *surrealdb.DB
	logger *common.Logger
	mu     sync.Mutex
}

// NewModelStore creates a new ModelStore.
func NewModelStore(db *surrealdb.DB, logger *common.Logger) *ModelStore {
	return &ModelStore{db: db, logger: logger}
}

// --- Catalog ---

func (s *ModelStore) UpsertCatalog(ctx context.Context, entry *models.CatalogEntry) error {
	if entry.ExternalName == "" {
		entry.ExternalName = entry.ID
	}

	sql := `UPSERT $rid SET catalog_id = $catalog_id, external_name = $external_name,
		display_name = $display_name, ram_required_gb = $ram_required_gb,
		tier = $tier, capabilities = $capabilities`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("catalog", entry.ID),
		"catalog_id":      entry.ID,
		"external_name":   entry.ExternalName,
		"display_name":    entry.DisplayName,
		"ram_required_gb": entry.RAMRequiredGB,
		"tier":            entry.Tier,
		"capabilities":    entry.Capabilities,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert catalog entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *ModelStore) GetCatalog(ctx context.Context, id string) (*models.CatalogEntry, error) {
	sql := "SELECT " + catalogSelectFields + " FROM catalog WHERE catalog_id = $id LIMIT 1"
	entries, err := s.queryCatalog(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (s *ModelStore) ListCatalog(ctx context.Context) ([]*models.CatalogEntry, error) {
	sql := "SELECT " + catalogSelectFields + " FROM catalog ORDER BY tier ASC, ram_required_gb ASC"
	return s.queryCatalog(ctx, sql, nil)
}

// --- Installed ---

func (s *ModelStore) UpsertInstalled(ctx context.Context, m *models.InstalledModel) error {
	sql := `UPSERT $rid SET model_id = $model_id, status = $status,
		download_progress = $download_progress, is_default = $is_default,
		last_used_at = $last_used_at, usage_count = $usage_count,
		downloaded_at = $downloaded_at, error_message = $error_message`
	vars := map[string]any{
		"rid":               surrealmodels.NewRecordID("installed", m.ID),
		"model_id":          m.ID,
		"status":            m.Status,
		"download_progress": m.DownloadProgress,
		"is_default":        m.IsDefault,
		"last_used_at":      m.LastUsedAt,
		"usage_count":       m.UsageCount,
		"downloaded_at":     m.DownloadedAt,
		"error_message":     m.ErrorMessage,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to upsert installed model %s: %w", m.ID, err)
	}
	return nil
}

func (s *ModelStore) GetInstalled(ctx context.Context, id string) (*models.InstalledModel, error) {
	sql := "SELECT " + installedSelectFields + " FROM installed WHERE model_id = $id LIMIT 1"
	installed, err := s.queryInstalled(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(installed) == 0 {
		return nil, nil
	}
	return installed[0], nil
}

func (s *ModelStore) ListInstalled(ctx context.Context) ([]*models.InstalledModel, error) {
	sql := "SELECT " + installedSelectFields + " FROM installed ORDER BY downloaded_at DESC"
	return s.queryInstalled(ctx, sql, nil)
}

func (s *ModelStore) DeleteInstalled(ctx context.Context, id string) error {
	sql := "DELETE $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("installed", id)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delete installed model %s: %w", id, err)
	}
	return nil
}

func (s *ModelStore) SetInstalledStatus(ctx context.Context, id, status, errMsg string) error {
	sql := "UPDATE $rid SET status = $status, error_message = $error"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("installed", id),
		"status": status,
		"error":  errMsg,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set installed status: %w", err)
	}
	return nil
}

func (s *ModelStore) SetDownloadProgress(ctx context.Context, id string, progress int) error {
	sql := "UPDATE $rid SET download_progress = $progress"
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("installed", id),
		"progress": progress,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set download progress: %w", err)
	}
	return nil
}

func (s *ModelStore) SetDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("installed model %s not found", id)
	}

	clearSQL := "UPDATE installed SET is_default = false WHERE is_default = true"
	if _, err := surrealdb.Query[any](ctx, s.db, clearSQL, nil); err != nil {
		return fmt.Errorf("failed to clear default flags: %w", err)
	}

	setSQL := "UPDATE $rid SET is_default = true"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("installed", id)}
	if _, err := surrealdb.Query[any](ctx, s.db, setSQL, vars); err != nil {
		return fmt.Errorf("failed to set default model: %w", err)
	}
	return nil
}

func (s *ModelStore) GetDefault(ctx context.Context) (*models.InstalledModel, error) {
	sql := "SELECT " + installedSelectFields + " FROM installed WHERE is_default = true LIMIT 1"
	installed, err := s.queryInstalled(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	if len(installed) == 0 {
		return nil, nil
	}
	return installed[0], nil
}

func (s *ModelStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	sql := "UPDATE $rid SET last_used_at = $at, usage_count = usage_count + 1"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("installed", id),
		"at":  at,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record model usage: %w", err)
	}
	return nil
}

// --- helpers ---

func (s *ModelStore) queryCatalog(ctx context.Context, sql string, vars map[string]any) ([]*models.CatalogEntry, error) {
	results, err := surrealdb.Query[[]models.CatalogEntry](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}

	var entries []*models.CatalogEntry
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			entries = append(entries, &(*results)[0].Result[i])
		}
	}
	return entries, nil
}

func (s *ModelStore) queryInstalled(ctx context.Context, sql string, vars map[string]any) ([]*models.InstalledModel, error) {
	results, err := surrealdb.Query[[]models.InstalledModel](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query installed models: %w", err)
	}

	var installed []*models.InstalledModel
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			installed = append(installed, &(*results)[0].Result[i])
		}
	}
	return installed, nil
}

// Compile-time check
var _ interfaces.ModelStore = (*ModelStore)(nil)
