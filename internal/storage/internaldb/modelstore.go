package internaldb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// ModelStore implements interfaces.ModelStore using BadgerHold. The mutex
// keeps the at-most-one-default invariant across the installed rows.
type ModelStore struct {
	db     *badgerhold.Store
	logger *common.Logger
	mu     sync.Mutex
}

// NewModelStore creates a new ModelStore.
func NewModelStore(db *badgerhold.Store, logger *common.Logger) *ModelStore {
	return &ModelStore{db: db, logger: logger}
}

// --- Catalog ---

func (s *ModelStore) UpsertCatalog(ctx context.Context, entry *models.CatalogEntry) error {
	if entry.ExternalName == "" {
		entry.ExternalName = entry.ID
	}
	if err := s.db.Upsert("catalog:"+entry.ID, entry); err != nil {
		return fmt.Errorf("failed to upsert catalog entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *ModelStore) GetCatalog(ctx context.Context, id string) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	if err := s.db.Get("catalog:"+id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get catalog entry %s: %w", id, err)
	}
	return &entry, nil
}

func (s *ModelStore) ListCatalog(ctx context.Context) ([]*models.CatalogEntry, error) {
	var entries []models.CatalogEntry
	if err := s.db.Find(&entries, nil); err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tier != entries[j].Tier {
			return entries[i].Tier < entries[j].Tier
		}
		return entries[i].RAMRequiredGB < entries[j].RAMRequiredGB
	})

	refs := make([]*models.CatalogEntry, len(entries))
	for i := range entries {
		refs[i] = &entries[i]
	}
	return refs, nil
}

// --- Installed ---

func (s *ModelStore) UpsertInstalled(ctx context.Context, m *models.InstalledModel) error {
	if err := s.db.Upsert("installed:"+m.ID, m); err != nil {
		return fmt.Errorf("failed to upsert installed model %s: %w", m.ID, err)
	}
	return nil
}

func (s *ModelStore) GetInstalled(ctx context.Context, id string) (*models.InstalledModel, error) {
	var m models.InstalledModel
	if err := s.db.Get("installed:"+id, &m); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get installed model %s: %w", id, err)
	}
	return &m, nil
}

func (s *ModelStore) ListInstalled(ctx context.Context) ([]*models.InstalledModel, error) {
	var installed []models.InstalledModel
	if err := s.db.Find(&installed, nil); err != nil {
		return nil, fmt.Errorf("failed to list installed models: %w", err)
	}

	sort.SliceStable(installed, func(i, j int) bool {
		return installed[i].DownloadedAt.After(installed[j].DownloadedAt)
	})

	refs := make([]*models.InstalledModel, len(installed))
	for i := range installed {
		refs[i] = &installed[i]
	}
	return refs, nil
}

func (s *ModelStore) DeleteInstalled(ctx context.Context, id string) error {
	if err := s.db.Delete("installed:"+id, models.InstalledModel{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete installed model %s: %w", id, err)
	}
	return nil
}

func (s *ModelStore) SetInstalledStatus(ctx context.Context, id, status, errMsg string) error {
	m, err := s.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("installed model %s not found", id)
	}

	m.Status = status
	m.ErrorMessage = errMsg
	return s.UpsertInstalled(ctx, m)
}

func (s *ModelStore) SetDownloadProgress(ctx context.Context, id string, progress int) error {
	m, err := s.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("installed model %s not found", id)
	}

	m.DownloadProgress = progress
	return s.UpsertInstalled(ctx, m)
}

func (s *ModelStore) SetDefault(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed, err := s.ListInstalled(ctx)
	if err != nil {
		return err
	}

	found := false
	for _, m := range installed {
		want := m.ID == id
		if want {
			found = true
		}
		if m.IsDefault == want {
			continue
		}
		m.IsDefault = want
		if err := s.UpsertInstalled(ctx, m); err != nil {
			return err
		}
	}

	if !found {
		return fmt.Errorf("installed model %s not found", id)
	}
	return nil
}

func (s *ModelStore) GetDefault(ctx context.Context) (*models.InstalledModel, error) {
	var installed []models.InstalledModel
	if err := s.db.Find(&installed, badgerhold.Where("IsDefault").Eq(true)); err != nil {
		return nil, fmt.Errorf("failed to find default model: %w", err)
	}
	if len(installed) == 0 {
		return nil, nil
	}
	return &installed[0], nil
}

func (s *ModelStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		// Usage of a model without an installed row is not an error; the
		// supervisor's catalog sync will create one on its next pass.
		return nil
	}

	m.LastUsedAt = at
	m.UsageCount++
	return s.UpsertInstalled(ctx, m)
}

// Compile-time check
var _ interfaces.ModelStore = (*ModelStore)(nil)
