// Package models defines data structures for Centry
package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/go-playground/validator/v10"
)

// SourceHolding is one instrument position as reported by one account at one
// source. Produced fresh on every aggregation run and discarded afterwards —
// only the derived ConsolidatedHolding is persisted.
type SourceHolding struct {
	SourceID    string    `json:"source_id" validate:"required"`
	AccountID   string    `json:"account_id" validate:"required"`
	Symbol      string    `json:"symbol" validate:"required"` // exchange-qualified, e.g. "AAPL" or "EQNR.OL"
	AssetClass  string    `json:"asset_class,omitempty"`      // "equity", "etf", "bond", "cash", "crypto"
	Quantity    float64   `json:"quantity" validate:"finite"` // negative for short positions
	MarketValue float64   `json:"market_value" validate:"finite"`
	CostBasis   float64   `json:"cost_basis" validate:"finite"`
	Currency    string    `json:"currency" validate:"required,len=3"`
	ObservedAt  time.Time `json:"observed_at"`
}

var holdingValidator = newHoldingValidator()

func newHoldingValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// Validate checks the source holding contract: non-empty identifiers, finite
// numerics, and a recognized ISO-4217 currency code.
func (h *SourceHolding) Validate() error {
	if err := holdingValidator.Struct(h); err != nil {
		return fmt.Errorf("invalid source holding %s/%s: %w", h.SourceID, h.Symbol, err)
	}
	if money.GetCurrency(strings.ToUpper(h.Currency)) == nil {
		return fmt.Errorf("invalid source holding %s/%s: unrecognized currency %q", h.SourceID, h.Symbol, h.Currency)
	}
	return nil
}

// NormalizedSymbol returns the case-folded symbol used for grouping.
// The exchange suffix (".OL", ".AX") is preserved — "EQNR.OL" is a different
// instrument from an unsuffixed "EQNR".
func (h *SourceHolding) NormalizedSymbol() string {
	return strings.ToUpper(strings.TrimSpace(h.Symbol))
}

// BaseTicker returns the symbol with any exchange suffix stripped.
func (h *SourceHolding) BaseTicker() string {
	sym := h.NormalizedSymbol()
	if idx := strings.LastIndex(sym, "."); idx > 0 {
		return sym[:idx]
	}
	return sym
}

// ExchangeSuffix returns the exchange qualifier ("OL" for "EQNR.OL"), or ""
// for unsuffixed symbols.
func (h *SourceHolding) ExchangeSuffix() string {
	sym := h.NormalizedSymbol()
	if idx := strings.LastIndex(sym, "."); idx > 0 {
		return sym[idx+1:]
	}
	return ""
}

// DuplicateGroup is a set of source holdings believed to represent the same
// real-world instrument. A group of size 1 is the common case.
type DuplicateGroup struct {
	Symbol       string          `json:"symbol"` // canonical (normalized) symbol for the group
	Members      []SourceHolding `json:"members"`
	AppliedRules []string        `json:"applied_rules,omitempty"` // detector rules that shaped this group
	RuleForced   bool            `json:"rule_forced,omitempty"`   // a custom merge/separate rule overrode the default decision
}

// Size returns the number of member holdings.
func (g *DuplicateGroup) Size() int { return len(g.Members) }

// SourceContribution records one source holding's share of a consolidated
// position, kept for UI drill-down. Values are in the run's base currency.
type SourceContribution struct {
	SourceID    string    `json:"source_id"`
	AccountID   string    `json:"account_id"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	MarketValue float64   `json:"market_value"`
	CostBasis   float64   `json:"cost_basis"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Resolution records how a duplicate group was collapsed to canonical values.
type Resolution struct {
	Method          string   `json:"method"` // "single", "sum", "priority", "manual"
	ConfidenceScore float64  `json:"confidence_score"`
	AppliedRules    []string `json:"applied_rules"`
	ChosenSourceID  string   `json:"chosen_source_id,omitempty"`
}

// ConsolidatedHolding is the canonical, de-duplicated position for one
// instrument. Immutable once written to a run's result; superseded — not
// updated — by the next run.
type ConsolidatedHolding struct {
	Symbol           string               `json:"symbol"`
	AssetClass       string               `json:"asset_class"`
	BaseCurrency     string               `json:"base_currency"`
	TotalQuantity    float64              `json:"total_quantity"`
	TotalMarketValue float64              `json:"total_market_value"`
	TotalCostBasis   float64              `json:"total_cost_basis"`
	AveragePrice     float64              `json:"average_price"`
	SourceCount      int                  `json:"source_count"`
	AccountCount     int                  `json:"account_count"`
	SourceIDs        []string             `json:"source_ids"`
	IsDuplicateGroup bool                 `json:"is_duplicate_group"`
	HasConflicts     bool                 `json:"has_conflicts"`
	SourceBreakdown  []SourceContribution `json:"source_breakdown"`
	Resolution       Resolution           `json:"resolution"`
}

// SourcePerformance answers "what does source X contribute", independent of
// how duplicates were resolved.
type SourcePerformance struct {
	SourceID     string  `json:"source_id"`
	MarketValue  float64 `json:"market_value"`
	CostBasis    float64 `json:"cost_basis"`
	AccountCount int     `json:"account_count"`
	HoldingCount int     `json:"holding_count"`
}

// NormalizeAssetClass folds source-reported asset class strings into the
// closed set used for allocation breakdowns.
func NormalizeAssetClass(class string) string {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case "equity", "stock", "share", "shares":
		return "equity"
	case "etf", "fund", "mutual_fund", "managed_fund":
		return "fund"
	case "bond", "fixed_income":
		return "fixed_income"
	case "cash", "currency", "money_market":
		return "cash"
	case "crypto", "cryptocurrency":
		return "crypto"
	case "":
		return "equity"
	default:
		return strings.ToLower(strings.TrimSpace(class))
	}
}
