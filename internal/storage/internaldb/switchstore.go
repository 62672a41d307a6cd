package internaldb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// SwitchLogStore implements interfaces.SwitchLogStore using BadgerHold.
type SwitchLogStore struct {
	db     *badgerhold.Store
	logger *common.Logger
}

// NewSwitchLogStore creates a new SwitchLogStore.
func NewSwitchLogStore(db *badgerhold.Store, logger *common.Logger) *SwitchLogStore {
	return &SwitchLogStore{db: db, logger: logger}
}

func (s *SwitchLogStore) Record(ctx context.Context, sw *models.ModelSwitch) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()[:8]
	}
	if sw.SwitchedAt.IsZero() {
		sw.SwitchedAt = time.Now()
	}

	if err := s.db.Insert(sw.ID, sw); err != nil {
		return fmt.Errorf("failed to record model switch: %w", err)
	}
	return nil
}

func (s *SwitchLogStore) Recent(ctx context.Context, limit int) ([]*models.ModelSwitch, error) {
	if limit <= 0 {
		limit = 20
	}

	var switches []models.ModelSwitch
	if err := s.db.Find(&switches, &badgerhold.Query{}); err != nil {
		return nil, fmt.Errorf("failed to list model switches: %w", err)
	}

	sort.SliceStable(switches, func(i, j int) bool {
		return switches[i].SwitchedAt.After(switches[j].SwitchedAt)
	})

	if len(switches) > limit {
		switches = switches[:limit]
	}

	refs := make([]*models.ModelSwitch, len(switches))
	for i := range switches {
		refs[i] = &switches[i]
	}
	return refs, nil
}

// Compile-time check
var _ interfaces.SwitchLogStore = (*SwitchLogStore)(nil)
