package storage

import (
	"context"
	"fmt"

	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/storage/internaldb"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/storage/surrealdb"
)

// Backend type constants.
const (
	BackendBadger  = "badger"
	BackendSurreal = "surreal"
)

// NewStorageManager creates a storage manager for the configured backend.
// Supported backends: "badger" (default, embedded), "surreal".
func NewStorageManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	backend := config.Storage.Backend
	if backend == "" {
		backend = BackendBadger
	}

	switch backend {
	case BackendBadger:
		return newBadgerManager(logger, config)

	case BackendSurreal:
		return newSurrealManager(logger, config)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: badger, surreal)", backend)
	}
}

func newBadgerManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	db, err := internaldb.Open(logger, config.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}

	logger.Info().
		Str("backend", BackendBadger).
		Str("path", config.Storage.Path).
		Msg("Storage manager initialized")

	return &Manager{
		jobs:     internaldb.NewJobStore(db, logger),
		messages: internaldb.NewMessageStore(db, logger),
		modelSt:  internaldb.NewModelStore(db, logger),
		switches: internaldb.NewSwitchLogStore(db, logger),
		closeFn:  db.Close,
		logger:   logger,
	}, nil
}

func newSurrealManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	db, err := surreal.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB at %s: %w", config.Storage.Address, err)
	}

	ctx := context.Background()
	if _, err := db.SignIn(ctx, map[string]any{
		"user": config.Storage.User,
		"pass": config.Storage.Pass,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.NS, config.Storage.DB); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	logger.Info().
		Str("backend", BackendSurreal).
		Str("address", config.Storage.Address).
		Msg("Storage manager initialized")

	return &Manager{
		jobs:     surrealdb.NewJobStore(db, logger),
		messages: surrealdb.NewMessageStore(db, logger),
		modelSt:  surrealdb.NewModelStore(db, logger),
		switches: surrealdb.NewSwitchLogStore(db, logger),
		closeFn: func() error {
			return db.Close(context.Background())
		},
		logger: logger,
	}, nil
}
