package models

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of an aggregation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// AggregationRun is one execution of the aggregation pipeline. Runs are
// append-only: historical runs are retained for audit and only the latest
// completed run is "active" for display.
type AggregationRun struct {
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	Status       RunStatus `json:"status"`
	BaseCurrency string    `json:"base_currency"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	TotalSourceHoldings  int `json:"total_source_holdings"`
	ConsolidatedHoldings int `json:"consolidated_holdings"`
	DuplicatesDetected   int `json:"duplicates_detected"`
	ConflictsResolved    int `json:"conflicts_resolved"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	Summary  *Summary              `json:"summary,omitempty"`
	Holdings []ConsolidatedHolding `json:"holdings,omitempty"`
	Sources  []SourcePerformance   `json:"sources,omitempty"`
}

// Summary is the portfolio-level rollup for a completed run.
type Summary struct {
	TotalValue           float64           `json:"total_value"`
	TotalCostBasis       float64           `json:"total_cost_basis"`
	TotalGainLoss        float64           `json:"total_gain_loss"`
	TotalGainLossPercent float64           `json:"total_gain_loss_percent"`
	AssetAllocation      []AssetAllocation `json:"asset_allocation"`
	TopHoldings          []TopHolding      `json:"top_holdings"`
}

// AssetAllocation is one asset-class slice of the portfolio.
type AssetAllocation struct {
	Class   string  `json:"class"`
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"`
}

// TopHolding is one entry in the largest-positions list.
type TopHolding struct {
	Symbol   string  `json:"symbol"`
	Value    float64 `json:"value"`
	Quantity float64 `json:"quantity"`
}

// ConflictRecord is one audit entry exposed by the conflict log: how a
// contested position was resolved and what the alternatives were.
type ConflictRecord struct {
	RunID        string               `json:"run_id"`
	Symbol       string               `json:"symbol"`
	Resolution   Resolution           `json:"resolution"`
	Alternatives []SourceContribution `json:"alternatives"`
	ResolvedAt   time.Time            `json:"resolved_at"`
}

// RunEvent is broadcast over the status WebSocket at run state transitions.
type RunEvent struct {
	Type    string    `json:"type"` // "run_started", "run_completed", "run_failed", "run_warning"
	UserID  string    `json:"user_id"`
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Run event types
const (
	RunEventStarted   = "run_started"
	RunEventCompleted = "run_completed"
	RunEventFailed    = "run_failed"
	RunEventWarning   = "run_warning"
)

// MissingRateError indicates no conversion rate was available for a currency
// in use. Non-fatal: the affected holding is excluded and a warning recorded.
type MissingRateError struct {
	Currency string
}

func (e *MissingRateError) Error() string {
	return "MissingRateError: " + e.Currency
}

// RunInProgressError rejects a trigger request while another run is active
// for the same user. Fatal to the request, not to the in-flight run.
type RunInProgressError struct {
	UserID string
}

func (e *RunInProgressError) Error() string {
	return fmt.Sprintf("aggregation run already in progress for user '%s'", e.UserID)
}

// ErrRunCancelled marks a run that was cancelled cooperatively mid-pipeline.
var ErrRunCancelled = errors.New("aggregation run cancelled")

// ErrNoUsableHoldings is the pipeline-fatal error raised when every source
// holding was excluded by source failures or missing rates.
var ErrNoUsableHoldings = errors.New("no usable source holdings after exclusions")

// ErrNoActiveRun is returned when no run has completed yet for a user.
var ErrNoActiveRun = errors.New("no active aggregation run")
