package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/models"
)

// --- stubs ---

type stubRunStore struct {
	mu     sync.Mutex
	runs   map[string]*models.AggregationRun
	active map[string]string
}

func newStubRunStore() *stubRunStore {
	return &stubRunStore{
		runs:   make(map[string]*models.AggregationRun),
		active: make(map[string]string),
	}
}

func (s *stubRunStore) AppendRun(_ context.Context, run *models.AggregationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := run.UserID + "/" + run.RunID
	if _, exists := s.runs[key]; exists {
		return fmt.Errorf("run '%s' already persisted", run.RunID)
	}
	copied := *run
	s.runs[key] = &copied
	return nil
}

func (s *stubRunStore) GetRun(_ context.Context, userID, runID string) (*models.AggregationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[userID+"/"+runID]
	if !ok {
		return nil, fmt.Errorf("run '%s' not found", runID)
	}
	return run, nil
}

func (s *stubRunStore) ListRuns(_ context.Context, userID string, limit int) ([]*models.AggregationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []*models.AggregationRun
	for key, run := range s.runs {
		if strings.HasPrefix(key, userID+"/") {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *stubRunStore) SetActiveRun(_ context.Context, userID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[userID] = runID
	return nil
}

func (s *stubRunStore) GetActiveRun(ctx context.Context, userID string) (*models.AggregationRun, error) {
	s.mu.Lock()
	runID, ok := s.active[userID]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrNoActiveRun
	}
	return s.GetRun(ctx, userID, runID)
}

type stubPrefStore struct {
	prefs map[string]*models.AggregationPreferences
	err   error
}

func (s *stubPrefStore) GetPreferences(_ context.Context, userID string) (*models.AggregationPreferences, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return models.DefaultPreferences(userID), nil
}

func (s *stubPrefStore) SavePreferences(_ context.Context, prefs *models.AggregationPreferences) error {
	if s.prefs == nil {
		s.prefs = make(map[string]*models.AggregationPreferences)
	}
	s.prefs[prefs.UserID] = prefs
	return nil
}

type stubKVStore struct{}

func (s *stubKVStore) Get(context.Context, string) (string, error) { return "", nil }
func (s *stubKVStore) Set(context.Context, string, string) error   { return nil }
func (s *stubKVStore) Delete(context.Context, string) error        { return nil }

type stubStorage struct {
	runs  *stubRunStore
	prefs *stubPrefStore
}

func newStubStorage() *stubStorage {
	return &stubStorage{runs: newStubRunStore(), prefs: &stubPrefStore{}}
}

func (s *stubStorage) RunStore() interfaces.RunStore               { return s.runs }
func (s *stubStorage) PreferenceStore() interfaces.PreferenceStore { return s.prefs }
func (s *stubStorage) KeyValueStore() interfaces.KeyValueStore     { return &stubKVStore{} }
func (s *stubStorage) Close() error                                { return nil }

type stubSource struct {
	id       string
	holdings []models.SourceHolding
	err      error
	onFetch  func()
}

func (s *stubSource) SourceID() string { return s.id }

func (s *stubSource) FetchHoldings(_ context.Context, _ string) ([]models.SourceHolding, error) {
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.holdings, nil
}

type stubRates struct {
	mu    sync.Mutex
	rates map[string]float64
	err   error
	calls int
}

func (s *stubRates) GetRates(_ context.Context, _ string) (map[string]float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.rates, nil
}

func newTestService(storage interfaces.StorageManager, sources []interfaces.SourceClient, rates interfaces.RateProvider) *Service {
	return NewService(storage, sources, rates, common.AggregationConfig{}, "USD", common.NewSilentLogger())
}

// --- tests ---

func TestTrigger_CompletesAndActivates(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{
			holding("broker_a", "a1", "AAPL", 10),
			holding("broker_a", "a1", "MSFT", 3),
		}},
		&stubSource{id: "bank_b", holdings: []models.SourceHolding{
			holding("bank_b", "b1", "AAPL", 5),
		}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "USD", run.BaseCurrency)
	assert.Equal(t, 3, run.TotalSourceHoldings)
	assert.Equal(t, 2, run.ConsolidatedHoldings)
	assert.Equal(t, 2, run.DuplicatesDetected, "both members of the AAPL group count")
	assert.Empty(t, run.Errors)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 1800.0, run.Summary.TotalValue)

	// Active pointer moved to the completed run.
	active, err := svc.ActiveResult(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, active.RunID)

	// Holdings sorted by symbol.
	require.Len(t, run.Holdings, 2)
	assert.Equal(t, "AAPL", run.Holdings[0].Symbol)
	assert.Equal(t, "MSFT", run.Holdings[1].Symbol)
}

func TestTrigger_SourceFailureIsIsolated(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
		&stubSource{id: "bank_b", err: errors.New("connection refused")},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status, "one failing source does not fail the run")
	assert.Equal(t, 1, run.TotalSourceHoldings)
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], "source 'bank_b' unavailable")
}

func TestTrigger_MalformedHoldingExcluded(t *testing.T) {
	storage := newStubStorage()
	bad := holding("broker_a", "a1", "AAPL", 10)
	bad.Currency = "ZZZ"
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{bad, holding("broker_a", "a1", "MSFT", 3)}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.TotalSourceHoldings, "malformed holding does not count as fetched")
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], "malformed holding")
}

func TestTrigger_MissingRateExcludesHolding(t *testing.T) {
	storage := newStubStorage()
	jpy1 := holding("broker_a", "a1", "SONY", 10)
	jpy1.Currency = "JPY"
	jpy2 := holding("broker_a", "a1", "NTDOY", 5)
	jpy2.Currency = "JPY"
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{
			jpy1, jpy2, holding("broker_a", "a1", "AAPL", 10),
		}},
	}
	rates := &stubRates{rates: map[string]float64{"NOK": 0.095}} // no JPY
	svc := newTestService(storage, sources, rates)

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ConsolidatedHoldings, "only the USD holding survives")
	require.Len(t, run.Warnings, 1, "missing-rate warning is deduplicated per currency")
	assert.Equal(t, "MissingRateError: JPY", run.Warnings[0])
}

func TestTrigger_RatesFetchedOnlyWhenNeeded(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	rates := &stubRates{}
	svc := newTestService(storage, sources, rates)

	_, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, rates.calls, "all-base-currency run needs no rate table")
}

func TestTrigger_NoUsableHoldingsFails(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", err: errors.New("down")},
		&stubSource{id: "bank_b", err: errors.New("down")},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err, "a failed run is a result, not a transport error")

	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0], "no usable source holdings")
	assert.Nil(t, run.Summary, "failed runs never publish a partial summary")
	assert.Nil(t, run.Holdings)

	// The failed run is retained in history but never becomes active.
	runs, err := svc.RunHistory(context.Background(), "user1", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = svc.ActiveResult(context.Background(), "user1")
	assert.ErrorIs(t, err, models.ErrNoActiveRun)
}

func TestTrigger_FailedRunLeavesActivePointer(t *testing.T) {
	storage := newStubStorage()
	src := &stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}}
	svc := newTestService(storage, []interfaces.SourceClient{src}, &stubRates{})

	good, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, good.Status)

	// Source goes dark; the next run fails.
	src.err = errors.New("down")
	bad, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, bad.Status)

	// Last-known-good result still served.
	active, err := svc.ActiveResult(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, good.RunID, active.RunID)

	runs, err := svc.RunHistory(context.Background(), "user1", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "failed runs are retained for audit")
}

func TestTrigger_ConcurrentRunRejected(t *testing.T) {
	storage := newStubStorage()
	svc := newTestService(storage, nil, &stubRates{})

	lock := svc.userLock("user1")
	lock.Lock()
	defer lock.Unlock()

	_, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	var inProgress *models.RunInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, "user1", inProgress.UserID)
}

func TestTrigger_ForceWaitsForLock(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	lock := svc.userLock("user1")
	lock.Lock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		lock.Unlock()
	}()

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestTrigger_OtherUserUnaffected(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	lock := svc.userLock("user1")
	lock.Lock()
	defer lock.Unlock()

	run, err := svc.Trigger(context.Background(), "user2", interfaces.TriggerOptions{})
	require.NoError(t, err, "locks are per-user")
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestTrigger_CancelledMidRun(t *testing.T) {
	storage := newStubStorage()
	ctx, cancel := context.WithCancel(context.Background())

	// Cancellation lands after the fetch succeeds, so the pipeline aborts
	// cooperatively during resolution.
	src := &stubSource{
		id:       "broker_a",
		holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)},
		onFetch:  cancel,
	}
	svc := newTestService(storage, []interfaces.SourceClient{src}, &stubRates{})

	run, err := svc.Trigger(ctx, "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0], "cancelled")
	assert.Nil(t, run.Holdings, "cancelled runs publish no partial result")

	_, err = svc.ActiveResult(context.Background(), "user1")
	assert.ErrorIs(t, err, models.ErrNoActiveRun)
}

func TestTrigger_BaseCurrencyPrecedence(t *testing.T) {
	storage := newStubStorage()
	prefs := models.DefaultPreferences("user1")
	prefs.BaseCurrency = "EUR"
	require.NoError(t, storage.prefs.SavePreferences(context.Background(), prefs))

	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	rates := &stubRates{rates: map[string]float64{"USD": 0.9}}
	svc := newTestService(storage, sources, rates)

	// Preference currency applies when no override is given.
	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "EUR", run.BaseCurrency)

	// Request override beats the preference.
	run, err = svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{BaseCurrency: "nok"})
	require.NoError(t, err)
	assert.Equal(t, "NOK", run.BaseCurrency)
}

func TestTrigger_InvalidPreferencesFallBackToDefaults(t *testing.T) {
	storage := newStubStorage()
	broken := models.DefaultPreferences("user1")
	broken.ConflictResolution.QuantityMethod = "bogus"
	storage.prefs.prefs = map[string]*models.AggregationPreferences{"user1": broken}

	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	require.NotEmpty(t, run.Warnings)
	assert.Contains(t, run.Warnings[0], "invalid preferences")
}

func TestTrigger_Idempotent(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{
			holding("broker_a", "a1", "AAPL", 10),
		}},
		&stubSource{id: "bank_b", holdings: []models.SourceHolding{
			holding("bank_b", "b1", "AAPL", 5),
		}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	first, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	second, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID, "each trigger is a new run")
	assert.Equal(t, first.Summary, second.Summary, "same inputs produce the same result")
	assert.Equal(t, first.Holdings, second.Holdings)
}

func TestConflictLog(t *testing.T) {
	storage := newStubStorage()
	// Disagreeing unit prices: 100 vs 110
	a := models.SourceHolding{SourceID: "broker_a", AccountID: "a1", Symbol: "AAPL",
		Quantity: 10, MarketValue: 1000, CostBasis: 900, Currency: "USD", ObservedAt: time.Now()}
	b := models.SourceHolding{SourceID: "bank_b", AccountID: "b1", Symbol: "AAPL",
		Quantity: 10, MarketValue: 1100, CostBasis: 900, Currency: "USD", ObservedAt: time.Now()}
	clean := holding("broker_a", "a1", "MSFT", 3)
	clean.ObservedAt = time.Now()

	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{a, clean}},
		&stubSource{id: "bank_b", holdings: []models.SourceHolding{b}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ConflictsResolved)

	records, err := svc.ConflictLog(context.Background(), "user1", "")
	require.NoError(t, err)
	require.Len(t, records, 1, "clean single-source holdings are not in the log")

	rec := records[0]
	assert.Equal(t, run.RunID, rec.RunID)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Contains(t, rec.Resolution.AppliedRules, "conflict:value_disagreement")
	assert.Len(t, rec.Alternatives, 2, "both source values are disclosed")

	// Symbol filter
	records, err = svc.ConflictLog(context.Background(), "user1", "msft")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunHistory_NewestFirstWithLimit(t *testing.T) {
	storage := newStubStorage()
	sources := []interfaces.SourceClient{
		&stubSource{id: "broker_a", holdings: []models.SourceHolding{holding("broker_a", "a1", "AAPL", 10)}},
	}
	svc := newTestService(storage, sources, &stubRates{})

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := svc.Trigger(context.Background(), "user1", interfaces.TriggerOptions{})
		require.NoError(t, err)
		ids = append(ids, run.RunID)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := svc.RunHistory(context.Background(), "user1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[1], runs[1].RunID)
}
