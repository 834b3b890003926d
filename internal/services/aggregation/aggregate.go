package aggregation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/centryhq/centry/internal/models"
)

// Aggregate folds resolved groups into consolidated holdings and computes
// the portfolio-level summary and per-source performance breakdown.
//
// Zero-quantity positions are dropped from the consolidated output entirely
// (a sold-out position is not shown as a zero-value row) but still appear in
// the per-source breakdown. topN caps the summary's top-holdings list.
func Aggregate(resolved []ResolvedHolding, baseCurrency string, topN int) ([]models.ConsolidatedHolding, *models.Summary, []models.SourcePerformance) {
	holdings := make([]models.ConsolidatedHolding, 0, len(resolved))
	for _, r := range resolved {
		if r.Quantity == 0 {
			continue
		}
		holdings = append(holdings, consolidate(r, baseCurrency))
	}

	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })

	summary := buildSummary(holdings, topN)
	sources := sourceBreakdown(resolved)

	return holdings, summary, sources
}

func consolidate(r ResolvedHolding, baseCurrency string) models.ConsolidatedHolding {
	members := r.Group.Members

	sourceIDs := make([]string, 0, len(members))
	seenSources := make(map[string]bool, len(members))
	seenAccounts := make(map[string]bool, len(members))
	breakdown := make([]models.SourceContribution, 0, len(members))

	for _, m := range members {
		if !seenSources[m.SourceID] {
			seenSources[m.SourceID] = true
			sourceIDs = append(sourceIDs, m.SourceID)
		}
		seenAccounts[m.SourceID+"/"+m.AccountID] = true
		breakdown = append(breakdown, models.SourceContribution{
			SourceID:    m.SourceID,
			AccountID:   m.AccountID,
			Symbol:      m.NormalizedSymbol(),
			Quantity:    m.Quantity,
			MarketValue: m.MarketValue,
			CostBasis:   m.CostBasis,
			ObservedAt:  m.ObservedAt,
		})
	}
	sort.Strings(sourceIDs)

	avgPrice := 0.0
	if r.Quantity != 0 {
		avgPrice, _ = decimal.NewFromFloat(r.MarketValue).
			Div(decimal.NewFromFloat(r.Quantity)).Float64()
	}

	return models.ConsolidatedHolding{
		Symbol:           r.Symbol,
		AssetClass:       r.AssetClass,
		BaseCurrency:     baseCurrency,
		TotalQuantity:    r.Quantity,
		TotalMarketValue: r.MarketValue,
		TotalCostBasis:   r.CostBasis,
		AveragePrice:     avgPrice,
		SourceCount:      len(sourceIDs),
		AccountCount:     len(seenAccounts),
		SourceIDs:        sourceIDs,
		IsDuplicateGroup: len(sourceIDs) > 1,
		HasConflicts:     r.HasConflicts,
		SourceBreakdown:  breakdown,
		Resolution:       r.Resolution,
	}
}

func buildSummary(holdings []models.ConsolidatedHolding, topN int) *models.Summary {
	totalValue := decimal.Zero
	totalCost := decimal.Zero
	byClass := make(map[string]decimal.Decimal)

	for _, h := range holdings {
		v := decimal.NewFromFloat(h.TotalMarketValue)
		totalValue = totalValue.Add(v)
		totalCost = totalCost.Add(decimal.NewFromFloat(h.TotalCostBasis))
		byClass[h.AssetClass] = byClass[h.AssetClass].Add(v)
	}

	summary := &models.Summary{}
	summary.TotalValue, _ = totalValue.Float64()
	summary.TotalCostBasis, _ = totalCost.Float64()
	gain := totalValue.Sub(totalCost)
	summary.TotalGainLoss, _ = gain.Float64()
	if !totalCost.IsZero() {
		pct, _ := gain.Div(totalCost).Mul(decimal.NewFromInt(100)).Float64()
		summary.TotalGainLossPercent = pct
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		value, _ := byClass[class].Float64()
		alloc := models.AssetAllocation{Class: class, Value: value}
		if !totalValue.IsZero() {
			pct, _ := byClass[class].Div(totalValue).Mul(decimal.NewFromInt(100)).Float64()
			alloc.Percent = pct
		}
		summary.AssetAllocation = append(summary.AssetAllocation, alloc)
	}

	summary.TopHoldings = topHoldings(holdings, topN)

	return summary
}

// topHoldings returns the N largest positions by market value, descending,
// ties broken by symbol ascending for stable output.
func topHoldings(holdings []models.ConsolidatedHolding, n int) []models.TopHolding {
	ranked := make([]models.ConsolidatedHolding, len(holdings))
	copy(ranked, holdings)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalMarketValue != ranked[j].TotalMarketValue {
			return ranked[i].TotalMarketValue > ranked[j].TotalMarketValue
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}

	top := make([]models.TopHolding, len(ranked))
	for i, h := range ranked {
		top[i] = models.TopHolding{Symbol: h.Symbol, Value: h.TotalMarketValue, Quantity: h.TotalQuantity}
	}
	return top
}

// sourceBreakdown sums what each source contributes across all groups,
// independent of how duplicates were resolved. Zero-quantity members count
// here — this view answers "what does source X report", not "what is the
// canonical position".
func sourceBreakdown(resolved []ResolvedHolding) []models.SourcePerformance {
	type acc struct {
		value    decimal.Decimal
		cost     decimal.Decimal
		accounts map[string]bool
		holdings int
	}
	bySource := make(map[string]*acc)

	for _, r := range resolved {
		for _, m := range r.Group.Members {
			a := bySource[m.SourceID]
			if a == nil {
				a = &acc{accounts: make(map[string]bool)}
				bySource[m.SourceID] = a
			}
			a.value = a.value.Add(decimal.NewFromFloat(m.MarketValue))
			a.cost = a.cost.Add(decimal.NewFromFloat(m.CostBasis))
			a.accounts[m.AccountID] = true
			a.holdings++
		}
	}

	ids := make([]string, 0, len(bySource))
	for id := range bySource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.SourcePerformance, 0, len(ids))
	for _, id := range ids {
		a := bySource[id]
		value, _ := a.value.Float64()
		cost, _ := a.cost.Float64()
		out = append(out, models.SourcePerformance{
			SourceID:     id,
			MarketValue:  value,
			CostBasis:    cost,
			AccountCount: len(a.accounts),
			HoldingCount: a.holdings,
		})
	}
	return out
}
