package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

// activePointer is the per-user versioned "active run" row. It is the only
// mutable record in the run store and is updated with an optimistic
// compare-and-swap inside a Badger transaction so concurrent readers never
// observe a half-written result.
type activePointer struct {
	UserID    string `badgerhold:"key"`
	RunID     string
	Version   int64
	UpdatedAt time.Time
}

type runStore struct {
	store  *Store
	logger *common.Logger
}

// NewRunStore creates a RunStore backed by BadgerHold. Run records are
// append-only and scoped to their run — historical results stay reproducible.
func NewRunStore(store *Store, logger *common.Logger) *runStore {
	return &runStore{store: store, logger: logger}
}

func runKey(userID, runID string) string {
	return userID + "/" + runID
}

func (s *runStore) AppendRun(_ context.Context, run *models.AggregationRun) error {
	if run.RunID == "" || run.UserID == "" {
		return fmt.Errorf("run is missing run ID or user ID")
	}

	err := s.store.db.Insert(runKey(run.UserID, run.RunID), run)
	if err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("run '%s' already persisted", run.RunID)
		}
		return fmt.Errorf("failed to persist run '%s': %w", run.RunID, err)
	}

	s.logger.Debug().Str("user", run.UserID).Str("run_id", run.RunID).Str("status", string(run.Status)).Msg("Aggregation run persisted")
	return nil
}

func (s *runStore) GetRun(_ context.Context, userID, runID string) (*models.AggregationRun, error) {
	var run models.AggregationRun
	err := s.store.db.Get(runKey(userID, runID), &run)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("run '%s' not found for user '%s'", runID, userID)
		}
		return nil, fmt.Errorf("failed to get run '%s': %w", runID, err)
	}
	return &run, nil
}

func (s *runStore) ListRuns(_ context.Context, userID string, limit int) ([]*models.AggregationRun, error) {
	var runs []models.AggregationRun
	if err := s.store.db.Find(&runs, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list runs for user '%s': %w", userID, err)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	out := make([]*models.AggregationRun, len(runs))
	for i := range runs {
		out[i] = &runs[i]
	}
	return out, nil
}

func (s *runStore) SetActiveRun(_ context.Context, userID, runID string) error {
	err := s.store.db.Badger().Update(func(tx *badgerdb.Txn) error {
		var ptr activePointer
		err := s.store.db.TxGet(tx, userID, &ptr)
		if err != nil && err != badgerhold.ErrNotFound {
			return err
		}

		ptr.UserID = userID
		ptr.RunID = runID
		ptr.Version++
		ptr.UpdatedAt = time.Now()

		return s.store.db.TxUpsert(tx, userID, &ptr)
	})
	if err != nil {
		return fmt.Errorf("failed to set active run for user '%s': %w", userID, err)
	}

	s.logger.Debug().Str("user", userID).Str("run_id", runID).Msg("Active run pointer updated")
	return nil
}

func (s *runStore) GetActiveRun(ctx context.Context, userID string) (*models.AggregationRun, error) {
	var ptr activePointer
	err := s.store.db.Get(userID, &ptr)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNoActiveRun
		}
		return nil, fmt.Errorf("failed to read active pointer for user '%s': %w", userID, err)
	}
	return s.GetRun(ctx, userID, ptr.RunID)
}
