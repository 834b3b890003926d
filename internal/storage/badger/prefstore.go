package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

type prefStore struct {
	store  *Store
	logger *common.Logger
}

// NewPreferenceStore creates a PreferenceStore backed by BadgerHold.
func NewPreferenceStore(store *Store, logger *common.Logger) *prefStore {
	return &prefStore{store: store, logger: logger}
}

// GetPreferences returns the user's saved policy, or the documented defaults
// when none has ever been saved — aggregation must be able to run without
// preferences.
func (s *prefStore) GetPreferences(_ context.Context, userID string) (*models.AggregationPreferences, error) {
	var prefs models.AggregationPreferences
	err := s.store.db.Get(userID, &prefs)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return models.DefaultPreferences(userID), nil
		}
		return nil, fmt.Errorf("failed to get preferences for user '%s': %w", userID, err)
	}

	// Saved records may predate newer policy fields; fill the gaps.
	if err := prefs.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply preference defaults: %w", err)
	}
	return &prefs, nil
}

func (s *prefStore) SavePreferences(_ context.Context, prefs *models.AggregationPreferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("preferences are missing a user ID")
	}
	if err := prefs.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply preference defaults: %w", err)
	}
	if err := prefs.Validate(); err != nil {
		return fmt.Errorf("invalid preferences: %w", err)
	}

	prefs.UpdatedAt = time.Now()
	if err := s.store.db.Upsert(prefs.UserID, prefs); err != nil {
		return fmt.Errorf("failed to save preferences for user '%s': %w", prefs.UserID, err)
	}

	s.logger.Debug().Str("user", prefs.UserID).Msg("Aggregation preferences saved")
	return nil
}
