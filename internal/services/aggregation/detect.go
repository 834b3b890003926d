package aggregation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

// Detector groups source holdings that represent the same underlying
// instrument. Grouping is deterministic: the same holdings and preferences
// produce the same groups regardless of input order.
type Detector struct {
	logger *common.Logger
}

// NewDetector creates a duplicate detector.
func NewDetector(logger *common.Logger) *Detector {
	return &Detector{logger: logger}
}

// Group partitions holdings into duplicate groups per the user's detection
// policy. Custom rules are evaluated before default grouping and can force
// merge, separate, or ignore for a source/symbol combination. A group of
// size 1 is still emitted. Members are sorted by (sourceId, accountId) and
// groups by canonical symbol.
func (d *Detector) Group(holdings []models.SourceHolding, prefs *models.AggregationPreferences) []models.DuplicateGroup {
	det := prefs.DuplicateDetection

	ignored := make(map[string]bool, len(det.IgnoreSources))
	for _, id := range det.IgnoreSources {
		ignored[id] = true
	}

	var (
		pinned []models.DuplicateGroup // separate-rule holdings, one group each
		merged []models.SourceHolding  // merge-rule holdings, grouped by base ticker
		rest   []models.SourceHolding
	)
	mergeRules := make(map[string]string) // normalized symbol → rule name

	for _, h := range holdings {
		if ignored[h.SourceID] {
			continue
		}

		rule, matched := firstMatchingRule(det.CustomRules, &h)
		if !matched {
			rest = append(rest, h)
			continue
		}

		switch rule.Action {
		case models.RuleActionIgnore:
			d.logger.Debug().Str("source", h.SourceID).Str("symbol", h.Symbol).Msg("Holding ignored by custom rule")
		case models.RuleActionSeparate:
			pinned = append(pinned, models.DuplicateGroup{
				Symbol:       h.NormalizedSymbol(),
				Members:      []models.SourceHolding{h},
				AppliedRules: []string{ruleName(rule, "separate")},
				RuleForced:   true,
			})
		case models.RuleActionMerge:
			merged = append(merged, h)
			mergeRules[h.NormalizedSymbol()] = ruleName(rule, "merge")
		default:
			rest = append(rest, h)
		}
	}

	var groups []models.DuplicateGroup
	switch det.SymbolMatchMode {
	case models.SymbolMatchFuzzy:
		groups = groupFuzzy(rest, det.MergeThreshold)
	default:
		groups = groupExact(rest)
	}

	// Merge-forced holdings join the group sharing their base ticker,
	// disregarding exchange suffix and similarity score. Groups arrive sorted
	// by symbol, so when suffix siblings share a base ticker the holding
	// always joins the smallest-symbol group.
	sortHoldings(merged)
	for _, h := range merged {
		base := h.BaseTicker()
		joined := false
		for i := range groups {
			if baseTickerOf(groups[i].Symbol) == base {
				groups[i].Members = append(groups[i].Members, h)
				groups[i].AppliedRules = appendUnique(groups[i].AppliedRules, mergeRules[h.NormalizedSymbol()])
				groups[i].RuleForced = true
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, models.DuplicateGroup{
				Symbol:       h.NormalizedSymbol(),
				Members:      []models.SourceHolding{h},
				AppliedRules: []string{mergeRules[h.NormalizedSymbol()]},
				RuleForced:   true,
			})
		}
	}

	groups = append(groups, pinned...)

	for i := range groups {
		sortMembers(groups[i].Members)
		groups[i].Symbol = canonicalSymbol(groups[i].Members)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Symbol != groups[j].Symbol {
			return groups[i].Symbol < groups[j].Symbol
		}
		return groups[i].Members[0].SourceID < groups[j].Members[0].SourceID
	})

	return groups
}

func firstMatchingRule(rules []models.DuplicateRule, h *models.SourceHolding) (models.DuplicateRule, bool) {
	for _, r := range rules {
		if r.Condition.Matches(h) {
			return r, true
		}
	}
	return models.DuplicateRule{}, false
}

func ruleName(rule models.DuplicateRule, action string) string {
	if rule.Name != "" {
		return "rule:" + rule.Name
	}
	return fmt.Sprintf("rule:%s:%s%s", action, rule.Condition.SourceID, rule.Condition.Symbol)
}

// groupExact buckets holdings by normalized symbol. Groups come out sorted
// by symbol, never in map iteration order.
func groupExact(holdings []models.SourceHolding) []models.DuplicateGroup {
	byKey := make(map[string][]models.SourceHolding)
	for _, h := range holdings {
		key := h.NormalizedSymbol()
		byKey[key] = append(byKey[key], h)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([]models.DuplicateGroup, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, models.DuplicateGroup{Symbol: key, Members: byKey[key]})
	}
	return groups
}

// groupFuzzy clusters holdings greedily by symbol similarity. Holdings are
// sorted first so cluster seeds do not depend on input order.
func groupFuzzy(holdings []models.SourceHolding, threshold float64) []models.DuplicateGroup {
	sorted := make([]models.SourceHolding, len(holdings))
	copy(sorted, holdings)
	sortHoldings(sorted)

	var groups []models.DuplicateGroup
	for _, h := range sorted {
		placed := false
		for i := range groups {
			if SymbolSimilarity(h.NormalizedSymbol(), groups[i].Symbol) >= threshold {
				groups[i].Members = append(groups[i].Members, h)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, models.DuplicateGroup{
				Symbol:  h.NormalizedSymbol(),
				Members: []models.SourceHolding{h},
			})
		}
	}
	return groups
}

// SymbolSimilarity scores two exchange-qualified symbols in [0,1]. The score
// is symmetric and deterministic. Symbols on different exchanges never match:
// the exchange suffix must be identical, and similarity is Jaro-Winkler on
// the base ticker.
func SymbolSimilarity(a, b string) float64 {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}

	baseA, sufA := splitSymbol(a)
	baseB, sufB := splitSymbol(b)
	if sufA != sufB {
		return 0.0
	}

	return jaroWinkler(baseA, baseB)
}

func splitSymbol(sym string) (base, suffix string) {
	if idx := strings.LastIndex(sym, "."); idx > 0 {
		return sym[:idx], sym[idx+1:]
	}
	return sym, ""
}

func baseTickerOf(sym string) string {
	base, _ := splitSymbol(strings.ToUpper(sym))
	return base
}

// jaroWinkler computes Jaro-Winkler similarity with the standard 0.1 prefix
// scaling factor over at most 4 common leading characters.
func jaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	j := jaro(a, b)

	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}

	return j + float64(prefix)*0.1*(1.0-j)
}

func jaro(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	for i := 0; i < len(a); i++ {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len(a); i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// sortHoldings orders holdings by (symbol, sourceId, accountId) so nothing
// downstream depends on input order.
func sortHoldings(holdings []models.SourceHolding) {
	sort.Slice(holdings, func(i, j int) bool {
		a, b := &holdings[i], &holdings[j]
		if a.NormalizedSymbol() != b.NormalizedSymbol() {
			return a.NormalizedSymbol() < b.NormalizedSymbol()
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.AccountID < b.AccountID
	})
}

func sortMembers(members []models.SourceHolding) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].SourceID != members[j].SourceID {
			return members[i].SourceID < members[j].SourceID
		}
		return members[i].AccountID < members[j].AccountID
	})
}

// canonicalSymbol picks the lexicographically smallest member symbol so a
// merged group's identity does not depend on which member arrived first.
func canonicalSymbol(members []models.SourceHolding) string {
	sym := members[0].NormalizedSymbol()
	for _, m := range members[1:] {
		if s := m.NormalizedSymbol(); s < sym {
			sym = s
		}
	}
	return sym
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
