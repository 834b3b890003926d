// Package storage wires the concrete storage backends behind the
// StorageManager interface.
package storage

import (
	"fmt"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/storage/badger"
)

// Manager implements interfaces.StorageManager over a single BadgerHold
// database.
type Manager struct {
	store  *badger.Store
	runs   interfaces.RunStore
	prefs  interfaces.PreferenceStore
	kv     interfaces.KeyValueStore
	logger *common.Logger
}

// NewStorageManager opens the data directory and constructs all stores.
func NewStorageManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	store, err := badger.NewStore(logger, config.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", config.Storage.Path, err)
	}

	return &Manager{
		store:  store,
		runs:   badger.NewRunStore(store, logger),
		prefs:  badger.NewPreferenceStore(store, logger),
		kv:     badger.NewKVStore(store, logger),
		logger: logger,
	}, nil
}

// RunStore returns the aggregation run store.
func (m *Manager) RunStore() interfaces.RunStore {
	return m.runs
}

// PreferenceStore returns the aggregation preference store.
func (m *Manager) PreferenceStore() interfaces.PreferenceStore {
	return m.prefs
}

// KeyValueStore returns the system KV store.
func (m *Manager) KeyValueStore() interfaces.KeyValueStore {
	return m.kv
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	return m.store.Close()
}
