package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centryhq/centry/internal/common"
	"github.com/centryhq/centry/internal/models"
)

func TestPrefStore_DefaultsWhenNeverSaved(t *testing.T) {
	store := newTestStore(t)
	ps := NewPreferenceStore(store, common.NewSilentLogger())

	prefs, err := ps.GetPreferences(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "user1", prefs.UserID)
	assert.Equal(t, "USD", prefs.BaseCurrency)
	assert.Equal(t, models.QuantityMethodSum, prefs.ConflictResolution.QuantityMethod)
	assert.Equal(t, models.SymbolMatchExact, prefs.DuplicateDetection.SymbolMatchMode)
}

func TestPrefStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ps := NewPreferenceStore(store, common.NewSilentLogger())
	ctx := context.Background()

	prefs := models.DefaultPreferences("user1")
	prefs.BaseCurrency = "NOK"
	prefs.ConflictResolution.QuantityMethod = models.QuantityMethodPriority
	prefs.SourcePriorityOrder = []string{"broker_a", "bank_b"}
	require.NoError(t, ps.SavePreferences(ctx, prefs))
	assert.False(t, prefs.UpdatedAt.IsZero(), "save stamps UpdatedAt")

	got, err := ps.GetPreferences(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "NOK", got.BaseCurrency)
	assert.Equal(t, models.QuantityMethodPriority, got.ConflictResolution.QuantityMethod)
	assert.Equal(t, []string{"broker_a", "bank_b"}, got.SourcePriorityOrder)
}

func TestPrefStore_SaveRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ps := NewPreferenceStore(store, common.NewSilentLogger())

	prefs := models.DefaultPreferences("user1")
	prefs.DuplicateDetection.MergeThreshold = 2.0
	err := ps.SavePreferences(context.Background(), prefs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid preferences")
}

func TestPrefStore_SaveRequiresUserID(t *testing.T) {
	store := newTestStore(t)
	ps := NewPreferenceStore(store, common.NewSilentLogger())

	err := ps.SavePreferences(context.Background(), &models.AggregationPreferences{})
	assert.Error(t, err)
}

func TestPrefStore_SaveFillsDefaults(t *testing.T) {
	store := newTestStore(t)
	ps := NewPreferenceStore(store, common.NewSilentLogger())
	ctx := context.Background()

	// A sparse record saved by an older client still round-trips complete.
	require.NoError(t, ps.SavePreferences(ctx, &models.AggregationPreferences{UserID: "user1"}))

	got, err := ps.GetPreferences(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "USD", got.BaseCurrency)
	assert.Equal(t, 1.0, got.DuplicateDetection.MergeThreshold)
}

func TestKVStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	kv := NewKVStore(store, common.NewSilentLogger())
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "schema_version", "1"))

	val, err := kv.Get(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	require.NoError(t, kv.Set(ctx, "schema_version", "2"))
	val, err = kv.Get(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	require.NoError(t, kv.Delete(ctx, "schema_version"))
	_, err = kv.Get(ctx, "schema_version")
	assert.Error(t, err)

	// Deleting a missing key is not an error.
	assert.NoError(t, kv.Delete(ctx, "never-existed"))
}
