// Package storage provides the top-level StorageManager with pluggable
// backends: embedded Badger by default, SurrealDB for shared deployments.
package storage

import (
	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
)

// Manager implements interfaces.StorageManager over a concrete backend's
// store set.
type Manager struct {
	jobs     interfaces.JobStore
	messages interfaces.MessageStore
	modelSt  interfaces.ModelStore
	switches interfaces.SwitchLogStore
	closeFn  func() error
	logger   *common.Logger
}

func (m *Manager) JobStore() interfaces.JobStore {
	return m.jobs
}

func (m *Manager) MessageStore() interfaces.MessageStore {
	return m.messages
}

func (m *Manager) ModelStore() interfaces.ModelStore {
	return m.modelSt
}

func (m *Manager) SwitchLogStore() interfaces.SwitchLogStore {
	return m.switches
}

func (m *Manager) Close() error {
	if m.closeFn == nil {
		return nil
	}
	return m.closeFn()
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
