package aggregation

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

// ResolvedHolding is the outcome of collapsing one duplicate group to
// canonical values. Carries the group for downstream breakdown building.
type ResolvedHolding struct {
	Group        models.DuplicateGroup
	Symbol       string
	AssetClass   string
	Quantity     float64
	MarketValue  float64
	CostBasis    float64
	HasConflicts bool
	Resolution   models.Resolution
	Warnings     []string
}

// Resolver decides canonical quantity, price, and cost basis within a
// duplicate group, applying the user's conflict resolution policy.
type Resolver struct {
	logger *common.Logger
	now    func() time.Time
}

// NewResolver creates a conflict resolver.
func NewResolver(logger *common.Logger) *Resolver {
	return &Resolver{logger: logger, now: time.Now}
}

// Resolve collapses a duplicate group. Every decision taken is recorded in
// Resolution.AppliedRules so the outcome is explainable and reproducible.
func (r *Resolver) Resolve(group models.DuplicateGroup, prefs *models.AggregationPreferences) ResolvedHolding {
	res := ResolvedHolding{
		Group:      group,
		Symbol:     group.Symbol,
		AssetClass: models.NormalizeAssetClass(group.Members[0].AssetClass),
	}
	res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, group.AppliedRules...)

	if group.Size() == 1 {
		m := group.Members[0]
		res.Quantity = m.Quantity
		res.MarketValue = m.MarketValue
		res.CostBasis = m.CostBasis
		res.Resolution.Method = "single"
		res.Resolution.ChosenSourceID = m.SourceID
		res.Resolution.ConfidenceScore = r.confidence(group, 0, false)
		return res
	}

	method := prefs.ConflictResolution.QuantityMethod
	switch method {
	case models.QuantityMethodSum:
		res.Quantity = sumField(group.Members, func(m models.SourceHolding) float64 { return m.Quantity })
		res.MarketValue = sumField(group.Members, func(m models.SourceHolding) float64 { return m.MarketValue })
		res.CostBasis = sumField(group.Members, func(m models.SourceHolding) float64 { return m.CostBasis })
		res.Resolution.Method = string(models.QuantityMethodSum)
		res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "quantity:sum")

	case models.QuantityMethodPriority, models.QuantityMethodManual:
		chosen := pickByPriority(group.Members, prefs.SourcePriorityOrder)
		res.Quantity = chosen.Quantity
		res.MarketValue = chosen.MarketValue
		res.CostBasis = chosen.CostBasis
		res.Resolution.Method = string(method)
		res.Resolution.ChosenSourceID = chosen.SourceID
		res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "quantity:priority:"+chosen.SourceID)

		// Price and cost basis resolve via the price priority list,
		// independently of the quantity method.
		priceOrder := prefs.ConflictResolution.PriceSourcePriority
		if len(priceOrder) > 0 {
			priceSrc := pickByPriority(group.Members, priceOrder)
			if priceSrc.SourceID != chosen.SourceID {
				if unit, ok := unitPrice(priceSrc); ok {
					res.MarketValue, _ = decimal.NewFromFloat(res.Quantity).Mul(decimal.NewFromFloat(unit)).Float64()
				}
				res.CostBasis = scaledCostBasis(priceSrc, res.Quantity)
				res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "price:priority:"+priceSrc.SourceID)
			}
		}

		if method == models.QuantityMethodManual {
			res.HasConflicts = true
			res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "manual_review")
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("manual resolution pending for %s: using priority value from '%s'", group.Symbol, chosen.SourceID))
		}
	}

	// With auto-merge disabled the group still collapses to canonical
	// values, but every multi-source merge is surfaced for review instead
	// of accepted silently.
	if !prefs.ConflictResolution.AutoMergeIdentical {
		res.HasConflicts = true
		res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "merge:review")
	}

	// Unit-price disagreement beyond tolerance surfaces a data-quality
	// conflict even when a canonical value was chosen.
	spread := priceSpread(group.Members)
	tolerance := prefs.ConflictResolution.ManualReviewThreshold
	if tolerance <= 0 {
		tolerance = 0.01
	}
	if spread > tolerance {
		res.HasConflicts = true
		res.Resolution.AppliedRules = append(res.Resolution.AppliedRules, "conflict:value_disagreement")
	}

	res.Resolution.ConfidenceScore = r.confidence(group, spread, group.RuleForced)
	return res
}

// confidence scores a resolution 0-100 from member agreement, staleness of
// the oldest member, and whether a custom rule forced the grouping.
func (r *Resolver) confidence(group models.DuplicateGroup, spread float64, ruleForced bool) float64 {
	score := 100.0

	// Agreement: each percent of unit-price spread costs 2 points, capped.
	agreePenalty := spread * 200
	if agreePenalty > 40 {
		agreePenalty = 40
	}
	score -= agreePenalty

	// Recency: one point per day the stalest member lags, capped.
	oldest := group.Members[0].ObservedAt
	for _, m := range group.Members[1:] {
		if m.ObservedAt.Before(oldest) {
			oldest = m.ObservedAt
		}
	}
	if !oldest.IsZero() {
		staleDays := r.now().Sub(oldest).Hours() / 24
		if staleDays > 0 {
			penalty := staleDays
			if penalty > 30 {
				penalty = 30
			}
			score -= penalty
		}
	}

	// Rule-forced resolutions carry reduced automatic certainty.
	if ruleForced {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}

// pickByPriority returns the member whose source ranks first in the order
// list. Unlisted sources rank last; ties break by observedAt descending.
// Members must already be sorted by (sourceId, accountId) so the final
// fallback ordering is deterministic.
func pickByPriority(members []models.SourceHolding, order []string) models.SourceHolding {
	best := members[0]
	bestRank := models.SourceRank(order, best.SourceID)
	for _, m := range members[1:] {
		rank := models.SourceRank(order, m.SourceID)
		if rank < bestRank || (rank == bestRank && m.ObservedAt.After(best.ObservedAt)) {
			best = m
			bestRank = rank
		}
	}
	return best
}

// priceSpread returns the relative disagreement of member unit prices:
// (max-min)/max over members with a non-zero quantity. Zero when fewer than
// two members carry a computable price.
func priceSpread(members []models.SourceHolding) float64 {
	var prices []float64
	for _, m := range members {
		if unit, ok := unitPrice(m); ok {
			prices = append(prices, math.Abs(unit))
		}
	}
	if len(prices) < 2 {
		return 0
	}

	minP, maxP := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p < minP {
			minP = p
		}
		if p > maxP {
			maxP = p
		}
	}
	if maxP == 0 {
		return 0
	}
	return (maxP - minP) / maxP
}

func unitPrice(m models.SourceHolding) (float64, bool) {
	if m.Quantity == 0 {
		return 0, false
	}
	return m.MarketValue / m.Quantity, true
}

// scaledCostBasis rescales a price source's per-unit cost basis to the
// canonical quantity. Falls back to the raw cost basis for zero quantities.
func scaledCostBasis(priceSrc models.SourceHolding, quantity float64) float64 {
	if priceSrc.Quantity == 0 {
		return priceSrc.CostBasis
	}
	perUnit := decimal.NewFromFloat(priceSrc.CostBasis).Div(decimal.NewFromFloat(priceSrc.Quantity))
	out, _ := perUnit.Mul(decimal.NewFromFloat(quantity)).Float64()
	return out
}

// sumField adds a member field with decimal arithmetic so the conservation
// property holds exactly under the sum method.
func sumField(members []models.SourceHolding, f func(models.SourceHolding) float64) float64 {
	total := decimal.Zero
	for _, m := range members {
		total = total.Add(decimal.NewFromFloat(f(m)))
	}
	out, _ := total.Float64()
	return out
}
