// Package interfaces defines service contracts for Centry
package interfaces

import (
	"context"

	"github.com/centryhq/centry/internal/models"
)

// AggregationService orchestrates aggregation runs and serves their results.
type AggregationService interface {
	// Trigger starts an aggregation run for the user. With Force false the
	// request is rejected with RunInProgressError while another run is
	// active; with Force true it waits for the in-flight run to release the
	// lock and then recomputes from scratch. Execution is synchronous: the
	// returned run is in a terminal state.
	Trigger(ctx context.Context, userID string, opts TriggerOptions) (*models.AggregationRun, error)

	// ActiveResult returns the latest completed ("active") run, including
	// the consolidated holdings, even while a newer run is in flight.
	ActiveResult(ctx context.Context, userID string) (*models.AggregationRun, error)

	// RunHistory returns past runs, newest first, for audit.
	RunHistory(ctx context.Context, userID string, limit int) ([]*models.AggregationRun, error)

	// ConflictLog exposes past conflict resolutions with applied rules,
	// confidence, and alternative source values. Symbol "" returns all.
	ConflictLog(ctx context.Context, userID, symbol string) ([]models.ConflictRecord, error)
}

// TriggerOptions configures an aggregation run request.
type TriggerOptions struct {
	BaseCurrency string // overrides the preference/base-config currency when set
	Force        bool
}
