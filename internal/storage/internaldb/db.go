// Package internaldb implements the Arasul stores on BadgerHold, the
// embedded default backend for a single-node appliance.
package internaldb

import (
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
)

// Open opens (creating if needed) the embedded database at path.
func Open(logger *common.Logger, path string) (*badgerhold.Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db path %s: %w", path, err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil

	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	logger.Info().Str("path", path).Msg("Embedded store opened")
	return db, nil
}
