package aggregation

import (
	"errors"
	"math"
	"testing"

	"github.com/centryhq/centry/internal/models"
)

func TestNormalizeHolding_SameCurrencyPassthrough(t *testing.T) {
	h := models.SourceHolding{Symbol: "AAPL", Currency: "usd", MarketValue: 100, CostBasis: 90}

	got, err := NormalizeHolding(h, "USD", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MarketValue != 100 || got.CostBasis != 90 {
		t.Errorf("values changed on passthrough: %+v", got)
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want USD", got.Currency)
	}
}

func TestNormalizeHolding_ConvertsValues(t *testing.T) {
	h := models.SourceHolding{Symbol: "EQNR.OL", Currency: "NOK", Quantity: 50, MarketValue: 15000, CostBasis: 12000}
	rates := map[string]float64{"NOK": 0.095}

	got, err := NormalizeHolding(h, "USD", rates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got.MarketValue-1425) > 1e-9 {
		t.Errorf("MarketValue = %v, want 1425", got.MarketValue)
	}
	if math.Abs(got.CostBasis-1140) > 1e-9 {
		t.Errorf("CostBasis = %v, want 1140", got.CostBasis)
	}
	if got.Quantity != 50 {
		t.Errorf("Quantity should not be converted, got %v", got.Quantity)
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %q, want USD", got.Currency)
	}
	if h.MarketValue != 15000 {
		t.Error("input holding was mutated")
	}
}

func TestNormalizeHolding_MissingRate(t *testing.T) {
	h := models.SourceHolding{Symbol: "SONY", Currency: "JPY", MarketValue: 10000}

	_, err := NormalizeHolding(h, "USD", map[string]float64{"NOK": 0.095})
	var missing *models.MissingRateError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingRateError, got %v", err)
	}
	if missing.Currency != "JPY" {
		t.Errorf("Currency = %q, want JPY", missing.Currency)
	}
	if missing.Error() != "MissingRateError: JPY" {
		t.Errorf("Error() = %q", missing.Error())
	}
}

func TestNormalizeHolding_NonPositiveRateTreatedAsMissing(t *testing.T) {
	h := models.SourceHolding{Symbol: "SONY", Currency: "JPY", MarketValue: 10000}

	_, err := NormalizeHolding(h, "USD", map[string]float64{"JPY": 0})
	var missing *models.MissingRateError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingRateError for zero rate, got %v", err)
	}
}
