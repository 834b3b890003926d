// Package interfaces defines service contracts for Centry
package interfaces

import (
	"context"

	"github.com/centryhq/centry/internal/models"
)

// SourceClient is one account-linking integration. The engine treats every
// source as an opaque collaborator that yields a snapshot of holdings or a
// per-source failure; any subset of sources may fail without failing a run.
type SourceClient interface {
	// SourceID returns the opaque identifier this source reports under.
	SourceID() string

	// FetchHoldings returns the source's current holdings snapshot for a
	// user. Honors ctx deadlines — the run manager applies a per-source
	// timeout.
	FetchHoldings(ctx context.Context, userID string) ([]models.SourceHolding, error)
}

// RateProvider supplies a conversion table for the currency normalizer:
// currency code → rate to the given base currency.
type RateProvider interface {
	GetRates(ctx context.Context, baseCurrency string) (map[string]float64, error)
}
