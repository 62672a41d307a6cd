package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

const switchSelectFields = "switch_id as id, from_model, to_model, duration_ms, " +
	"triggered_by, reason, switched_at"

// SwitchLogStore implements interfaces.SwitchLogStore using SurrealDB.
type SwitchLogStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewSwitchLogStore creates a new SwitchLogStore.
func NewSwitchLogStore(db *surrealdb.DB, logger *common.Logger) *SwitchLogStore {
	return &SwitchLogStore{db: db, logger: logger}
}

func (s *SwitchLogStore) Record(ctx context.Context, sw *models.ModelSwitch) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()[:8]
	}
	if sw.SwitchedAt.IsZero() {
		sw.SwitchedAt = time.Now()
	}

	sql := `UPSERT $rid SET switch_id = $switch_id, from_model = $from_model,
		to_model = $to_model, duration_ms = $duration_ms, triggered_by = $triggered_by,
		reason = $reason, switched_at = $switched_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("model_switches", sw.ID),
		"switch_id":    sw.ID,
		"from_model":   sw.FromModel,
		"to_model":     sw.ToModel,
		"duration_ms":  sw.DurationMS,
		"triggered_by": sw.TriggeredBy,
		"reason":       sw.Reason,
		"switched_at":  sw.SwitchedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to record model switch: %w", err)
	}
	return nil
}

func (s *SwitchLogStore) Recent(ctx context.Context, limit int) ([]*models.ModelSwitch, error) {
	if limit <= 0 {
		limit = 20
	}

	sql := "SELECT " + switchSelectFields + " FROM model_switches ORDER BY switched_at DESC LIMIT $limit"
	results, err := surrealdb.Query[[]models.ModelSwitch](ctx, s.db, sql, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query model switches: %w", err)
	}

	var switches []*models.ModelSwitch
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			switches = append(switches, &(*results)[0].Result[i])
		}
	}
	return switches, nil
}

// Compile-time check
var _ interfaces.SwitchLogStore = (*SwitchLogStore)(nil)
