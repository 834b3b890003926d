package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/interfaces"
	"github.com/centryhq/centry/internal/models"
)

// sourceFetchTimeout bounds each source snapshot fetch so one unreachable
// source degrades to a warning rather than stalling the run.
const sourceFetchTimeout = 30 * time.Second

// Service implements AggregationService. Runs for one user are strictly
// serialized by a per-user lock; runs across users are independent.
type Service struct {
	storage      interfaces.StorageManager
	sources      []interfaces.SourceClient
	rates        interfaces.RateProvider
	config       common.AggregationConfig
	baseCurrency string
	detector     *Detector
	resolver     *Resolver
	hub          *RunWSHub
	logger       *common.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the aggregation service.
func NewService(
	storage interfaces.StorageManager,
	sources []interfaces.SourceClient,
	rates interfaces.RateProvider,
	config common.AggregationConfig,
	baseCurrency string,
	logger *common.Logger,
) *Service {
	return &Service{
		storage:      storage,
		sources:      sources,
		rates:        rates,
		config:       config,
		baseCurrency: baseCurrency,
		detector:     NewDetector(logger),
		resolver:     NewResolver(logger),
		hub:          NewRunWSHub(logger),
		logger:       logger,
	}
}

// Start launches the run-event WebSocket hub.
func (s *Service) Start() {
	go s.hub.Run()
}

// Stop shuts down the WebSocket hub.
func (s *Service) Stop() {
	s.hub.Stop()
}

// Hub returns the run-event hub for handler registration.
func (s *Service) Hub() *RunWSHub {
	return s.hub
}

// userLock returns the per-user run mutex, creating it on first use.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// Trigger runs the aggregation pipeline for a user. Execution is synchronous
// and always recomputes from scratch; the returned run is terminal. With
// Force false a concurrent request is rejected with RunInProgressError; with
// Force true it waits for the in-flight run to finish rather than
// interrupting it.
func (s *Service) Trigger(ctx context.Context, userID string, opts interfaces.TriggerOptions) (*models.AggregationRun, error) {
	lock := s.userLock(userID)
	if opts.Force {
		lock.Lock()
	} else if !lock.TryLock() {
		return nil, &models.RunInProgressError{UserID: userID}
	}
	defer lock.Unlock()

	run := &models.AggregationRun{
		RunID:     uuid.New().String(),
		UserID:    userID,
		Status:    models.RunStatusPending,
		StartedAt: time.Now().UTC(),
	}

	s.logger.Info().
		Str("user", userID).
		Str("run_id", run.RunID).
		Bool("force", opts.Force).
		Msg("Starting aggregation run")

	run.Status = models.RunStatusRunning
	s.hub.Broadcast(models.RunEvent{
		Type: models.RunEventStarted, UserID: userID, RunID: run.RunID,
		Status: run.Status, At: time.Now().UTC(),
	})

	execErr := s.execute(ctx, run, opts)
	run.CompletedAt = time.Now().UTC()

	if execErr != nil {
		run.Status = models.RunStatusFailed
		run.Errors = append(run.Errors, execErr.Error())
		run.Summary = nil // no partial summary is ever published
		run.Holdings = nil
		s.hub.Broadcast(models.RunEvent{
			Type: models.RunEventFailed, UserID: userID, RunID: run.RunID,
			Status: run.Status, Message: execErr.Error(), At: time.Now().UTC(),
		})
		s.logger.Warn().Str("user", userID).Str("run_id", run.RunID).Err(execErr).Msg("Aggregation run failed")
	} else {
		run.Status = models.RunStatusCompleted
		s.hub.Broadcast(models.RunEvent{
			Type: models.RunEventCompleted, UserID: userID, RunID: run.RunID,
			Status: run.Status, At: time.Now().UTC(),
		})
		s.logger.Info().
			Str("user", userID).
			Str("run_id", run.RunID).
			Int("holdings", run.ConsolidatedHoldings).
			Int("duplicates", run.DuplicatesDetected).
			Int("warnings", len(run.Warnings)).
			Msg("Aggregation run completed")
	}

	// Runs are retained for audit regardless of outcome. Only a completed
	// run moves the active pointer; a failure leaves the last-known-good
	// result untouched.
	if err := s.storage.RunStore().AppendRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist aggregation run: %w", err)
	}
	if run.Status == models.RunStatusCompleted {
		if err := s.storage.RunStore().SetActiveRun(ctx, userID, run.RunID); err != nil {
			return nil, fmt.Errorf("failed to activate aggregation run: %w", err)
		}
	}

	return run, nil
}

// execute runs the pipeline stages. Returns nil for a completed run; any
// returned error is fatal and transitions the run to failed.
func (s *Service) execute(ctx context.Context, run *models.AggregationRun, opts interfaces.TriggerOptions) error {
	// Preferences are snapshotted once at run start.
	prefs, err := s.storage.PreferenceStore().GetPreferences(ctx, run.UserID)
	if err != nil {
		run.Warnings = append(run.Warnings, fmt.Sprintf("preferences unavailable, using defaults: %v", err))
		prefs = models.DefaultPreferences(run.UserID)
	}
	if err := prefs.Validate(); err != nil {
		run.Warnings = append(run.Warnings, fmt.Sprintf("invalid preferences, using defaults: %v", err))
		prefs = models.DefaultPreferences(run.UserID)
	}

	base := strings.ToUpper(opts.BaseCurrency)
	if base == "" {
		base = strings.ToUpper(prefs.BaseCurrency)
	}
	if base == "" {
		base = s.baseCurrency
	}
	run.BaseCurrency = base

	fetched := s.fetchSnapshots(ctx, run)
	run.TotalSourceHoldings = len(fetched)

	usable := s.normalizeAll(ctx, run, fetched, base)
	if len(usable) == 0 {
		return models.ErrNoUsableHoldings
	}

	groups := s.detector.Group(usable, prefs)

	for _, g := range groups {
		if g.Size() > 1 {
			run.DuplicatesDetected += g.Size()
		}
	}

	resolved := make([]ResolvedHolding, 0, len(groups))
	for _, g := range groups {
		// Cancellation is cooperative between group resolutions.
		if err := ctx.Err(); err != nil {
			return models.ErrRunCancelled
		}
		r := s.resolver.Resolve(g, prefs)
		run.Warnings = append(run.Warnings, r.Warnings...)
		if r.HasConflicts {
			run.ConflictsResolved++
		}
		resolved = append(resolved, r)
	}

	holdings, summary, sources := Aggregate(resolved, base, s.config.GetTopHoldingsLimit())
	run.Holdings = holdings
	run.Summary = summary
	run.Sources = sources
	run.ConsolidatedHoldings = len(holdings)

	return nil
}

// fetchSnapshots pulls every source's snapshot concurrently with a bounded
// fan-out and a per-source timeout, then fans back in. A failing source is a
// warning; its holdings are simply absent from the run.
func (s *Service) fetchSnapshots(ctx context.Context, run *models.AggregationRun) []models.SourceHolding {
	type result struct {
		sourceID string
		holdings []models.SourceHolding
		err      error
	}

	sem := make(chan struct{}, s.config.GetMaxConcurrentFetch())
	results := make(chan result, len(s.sources))
	var wg sync.WaitGroup

	for _, src := range s.sources {
		wg.Add(1)
		go func(src interfaces.SourceClient) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{sourceID: src.SourceID(), err: ctx.Err()}
				return
			}

			fetchCtx, cancel := context.WithTimeout(ctx, sourceFetchTimeout)
			defer cancel()

			holdings, err := src.FetchHoldings(fetchCtx, run.UserID)
			results <- result{sourceID: src.SourceID(), holdings: holdings, err: err}
		}(src)
	}

	wg.Wait()
	close(results)

	// Fan back in, ordered by source ID so warnings and downstream input do
	// not depend on fetch completion order.
	collected := make([]result, 0, len(s.sources))
	for res := range results {
		collected = append(collected, res)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].sourceID < collected[j].sourceID })

	var all []models.SourceHolding
	for _, res := range collected {
		if res.err != nil {
			run.Warnings = append(run.Warnings, fmt.Sprintf("source '%s' unavailable: %v", res.sourceID, res.err))
			continue
		}
		for _, h := range res.holdings {
			if err := h.Validate(); err != nil {
				run.Warnings = append(run.Warnings, fmt.Sprintf("source '%s' reported malformed holding: %v", res.sourceID, err))
				continue
			}
			all = append(all, h)
		}
	}
	return all
}

// normalizeAll converts holdings to the base currency, excluding those with
// no available rate. The rate table is fetched once per run, and only when a
// foreign currency is actually present.
func (s *Service) normalizeAll(ctx context.Context, run *models.AggregationRun, holdings []models.SourceHolding, base string) []models.SourceHolding {
	needRates := false
	for _, h := range holdings {
		if !strings.EqualFold(h.Currency, base) {
			needRates = true
			break
		}
	}

	var rates map[string]float64
	if needRates && s.rates != nil {
		var err error
		rates, err = s.rates.GetRates(ctx, base)
		if err != nil {
			run.Warnings = append(run.Warnings, fmt.Sprintf("rate table unavailable: %v", err))
			rates = nil
		}
	}

	missing := make(map[string]bool)
	usable := make([]models.SourceHolding, 0, len(holdings))
	for _, h := range holdings {
		normalized, err := NormalizeHolding(h, base, rates)
		if err != nil {
			var missingRate *models.MissingRateError
			if errors.As(err, &missingRate) {
				if !missing[missingRate.Currency] {
					missing[missingRate.Currency] = true
					run.Warnings = append(run.Warnings, missingRate.Error())
				}
				continue
			}
			run.Warnings = append(run.Warnings, fmt.Sprintf("failed to normalize %s/%s: %v", h.SourceID, h.Symbol, err))
			continue
		}
		usable = append(usable, normalized)
	}
	return usable
}

// ActiveResult returns the latest completed run, even while a newer run is
// in flight or the newest run failed.
func (s *Service) ActiveResult(ctx context.Context, userID string) (*models.AggregationRun, error) {
	return s.storage.RunStore().GetActiveRun(ctx, userID)
}

// RunHistory returns past runs, newest first.
func (s *Service) RunHistory(ctx context.Context, userID string, limit int) ([]*models.AggregationRun, error) {
	return s.storage.RunStore().ListRuns(ctx, userID, limit)
}

// ConflictLog exposes past duplicate resolutions for the disclosure UI.
// Records come from completed runs, newest first; symbol "" returns all.
func (s *Service) ConflictLog(ctx context.Context, userID, symbol string) ([]models.ConflictRecord, error) {
	runs, err := s.storage.RunStore().ListRuns(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var records []models.ConflictRecord
	for _, run := range runs {
		if run.Status != models.RunStatusCompleted {
			continue
		}
		for _, h := range run.Holdings {
			if !h.IsDuplicateGroup && !h.HasConflicts {
				continue
			}
			if symbol != "" && h.Symbol != symbol {
				continue
			}
			records = append(records, models.ConflictRecord{
				RunID:        run.RunID,
				Symbol:       h.Symbol,
				Resolution:   h.Resolution,
				Alternatives: h.SourceBreakdown,
				ResolvedAt:   run.CompletedAt,
			})
		}
	}
	return records, nil
}
