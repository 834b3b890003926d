package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// QuantityMethod selects how a duplicate group's canonical quantity is chosen.
type QuantityMethod string

const (
	QuantityMethodSum      QuantityMethod = "sum"      // arithmetic sum — sources report disjoint accounts
	QuantityMethodPriority QuantityMethod = "priority" // first source in the priority order wins
	QuantityMethodManual   QuantityMethod = "manual"   // flagged for user decision, priority semantics meanwhile
)

// SymbolMatchMode selects duplicate detection behavior.
type SymbolMatchMode string

const (
	SymbolMatchExact SymbolMatchMode = "exact"
	SymbolMatchFuzzy SymbolMatchMode = "fuzzy"
)

// RuleAction is the closed set of custom-rule outcomes.
type RuleAction string

const (
	RuleActionMerge    RuleAction = "merge"
	RuleActionSeparate RuleAction = "separate"
	RuleActionIgnore   RuleAction = "ignore"
)

// RuleCondition matches a source/symbol combination. Empty fields match
// anything; symbol matching is exact on the normalized symbol.
type RuleCondition struct {
	SourceID string `json:"source_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

// DuplicateRule is a user-defined override evaluated before default grouping.
type DuplicateRule struct {
	Name      string        `json:"name,omitempty"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
}

// ConflictResolutionPrefs is the user's conflict resolution policy.
type ConflictResolutionPrefs struct {
	QuantityMethod        QuantityMethod `json:"quantity_method" default:"sum"`
	PriceSourcePriority   []string       `json:"price_source_priority,omitempty"`
	AutoMergeIdentical    bool           `json:"auto_merge_identical" default:"true"`
	ManualReviewThreshold float64        `json:"manual_review_threshold" default:"0.01"` // relative value disagreement that flags a conflict
}

// DuplicateDetectionPrefs is the user's duplicate detection policy.
type DuplicateDetectionPrefs struct {
	SymbolMatchMode SymbolMatchMode `json:"symbol_match_mode" default:"exact"`
	MergeThreshold  float64         `json:"merge_threshold" default:"1.0"` // fuzzy similarity cutoff in [0,1]
	IgnoreSources   []string        `json:"ignore_sources,omitempty"`
	CustomRules     []DuplicateRule `json:"custom_rules,omitempty"`
}

// AggregationPreferences is the per-user aggregation policy. Defaults exist
// for every field so aggregation can run with no preferences saved.
type AggregationPreferences struct {
	UserID              string                  `json:"user_id"`
	BaseCurrency        string                  `json:"base_currency" default:"USD"`
	SourcePriorityOrder []string                `json:"source_priority_order,omitempty"`
	ConflictResolution  ConflictResolutionPrefs `json:"conflict_resolution"`
	DuplicateDetection  DuplicateDetectionPrefs `json:"duplicate_detection"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// DefaultPreferences returns the documented default policy for a user.
func DefaultPreferences(userID string) *AggregationPreferences {
	prefs := &AggregationPreferences{UserID: userID}
	defaults.MustSet(prefs)
	return prefs
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (p *AggregationPreferences) ApplyDefaults() error {
	return defaults.Set(p)
}

// Validate checks policy invariants: merge threshold range, closed enums,
// and no duplicate entries in the source priority order.
func (p *AggregationPreferences) Validate() error {
	switch p.ConflictResolution.QuantityMethod {
	case QuantityMethodSum, QuantityMethodPriority, QuantityMethodManual:
	default:
		return fmt.Errorf("invalid quantity method %q", p.ConflictResolution.QuantityMethod)
	}

	switch p.DuplicateDetection.SymbolMatchMode {
	case SymbolMatchExact, SymbolMatchFuzzy:
	default:
		return fmt.Errorf("invalid symbol match mode %q", p.DuplicateDetection.SymbolMatchMode)
	}

	if t := p.DuplicateDetection.MergeThreshold; t < 0 || t > 1 {
		return fmt.Errorf("merge threshold %v out of range [0,1]", t)
	}

	seen := make(map[string]bool, len(p.SourcePriorityOrder))
	for _, id := range p.SourcePriorityOrder {
		if seen[id] {
			return fmt.Errorf("duplicate source '%s' in priority order", id)
		}
		seen[id] = true
	}

	for i, rule := range p.DuplicateDetection.CustomRules {
		switch rule.Action {
		case RuleActionMerge, RuleActionSeparate, RuleActionIgnore:
		default:
			return fmt.Errorf("custom rule %d: invalid action %q", i, rule.Action)
		}
	}

	return nil
}

// SourceRank returns the position of a source in the given priority order.
// Sources not listed rank last.
func SourceRank(order []string, sourceID string) int {
	for i, id := range order {
		if id == sourceID {
			return i
		}
	}
	return len(order)
}

// Matches reports whether a rule condition applies to the given holding.
func (c *RuleCondition) Matches(h *SourceHolding) bool {
	if c.SourceID != "" && c.SourceID != h.SourceID {
		return false
	}
	if c.Symbol != "" && !strings.EqualFold(strings.TrimSpace(c.Symbol), h.NormalizedSymbol()) {
		return false
	}
	return c.SourceID != "" || c.Symbol != ""
}
