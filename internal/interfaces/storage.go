// Package interfaces defines service contracts for Centry
package interfaces

import (
	"context"

	"github.com/centryhq/centry/internal/models"
)

// StorageManager coordinates all storage backends
type StorageManager interface {
	RunStore() RunStore
	PreferenceStore() PreferenceStore
	KeyValueStore() KeyValueStore

	Close() error
}

// RunStore persists aggregation runs. Runs are append-only; the per-user
// "active run" pointer is the only mutable record and is updated with an
// optimistic compare-and-swap so readers never observe a half-written result.
type RunStore interface {
	// AppendRun persists a run record. Completed runs carry their full
	// consolidated holding set; a run ID may only be written once.
	AppendRun(ctx context.Context, run *models.AggregationRun) error

	GetRun(ctx context.Context, userID, runID string) (*models.AggregationRun, error)

	// ListRuns returns runs newest-first, up to limit (0 means all).
	ListRuns(ctx context.Context, userID string, limit int) ([]*models.AggregationRun, error)

	// SetActiveRun atomically repoints the user's active result to runID.
	SetActiveRun(ctx context.Context, userID, runID string) error

	// GetActiveRun returns the run the active pointer references, or
	// ErrNoActiveRun when no run has completed yet.
	GetActiveRun(ctx context.Context, userID string) (*models.AggregationRun, error)
}

// PreferenceStore reads and writes per-user aggregation policy.
type PreferenceStore interface {
	// GetPreferences returns the saved policy, or the documented defaults
	// when the user has never saved one.
	GetPreferences(ctx context.Context, userID string) (*models.AggregationPreferences, error)

	SavePreferences(ctx context.Context, prefs *models.AggregationPreferences) error
}

// KeyValueStore is system-level configuration KV.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
