// Package aggregation implements the multi-source holdings aggregation and
// conflict-resolution engine: currency normalization, duplicate detection,
// policy-driven conflict resolution, consolidation, and the run manager that
// orchestrates one aggregation pass as a stateful, idempotent job.
package aggregation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/centryhq/centry/internal/models"
)

// NormalizeHolding converts a holding's monetary amounts to the base currency
// using the supplied rate table (currency code → rate to base). The input is
// never mutated; a normalized copy is returned.
//
// Returns MissingRateError when no positive rate is available for the
// holding's currency. The caller excludes the holding and records a warning —
// partial results are preferable to total failure.
func NormalizeHolding(h models.SourceHolding, baseCurrency string, rates map[string]float64) (models.SourceHolding, error) {
	base := strings.ToUpper(strings.TrimSpace(baseCurrency))
	cur := strings.ToUpper(strings.TrimSpace(h.Currency))

	if cur == base {
		h.Currency = base
		return h, nil
	}

	rate, ok := rates[cur]
	if !ok || rate <= 0 {
		return models.SourceHolding{}, &models.MissingRateError{Currency: cur}
	}

	r := decimal.NewFromFloat(rate)
	h.MarketValue, _ = decimal.NewFromFloat(h.MarketValue).Mul(r).Float64()
	h.CostBasis, _ = decimal.NewFromFloat(h.CostBasis).Mul(r).Float64()
	h.Currency = base

	return h, nil
}
