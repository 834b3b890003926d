package models

import (
	"math"
	"testing"
	"time"
)

func validHolding() SourceHolding {
	return SourceHolding{
		SourceID:    "broker_a",
		AccountID:   "acct-1",
		Symbol:      "AAPL",
		AssetClass:  "equity",
		Quantity:    10,
		MarketValue: 1750,
		CostBasis:   1500,
		Currency:    "USD",
		ObservedAt:  time.Now(),
	}
}

func TestSourceHoldingValidate_Valid(t *testing.T) {
	h := validHolding()
	if err := h.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSourceHoldingValidate_NegativeQuantityAllowed(t *testing.T) {
	h := validHolding()
	h.Quantity = -5 // short position
	if err := h.Validate(); err != nil {
		t.Fatalf("short position should be valid: %v", err)
	}
}

func TestSourceHoldingValidate_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SourceHolding)
	}{
		{"missing source", func(h *SourceHolding) { h.SourceID = "" }},
		{"missing account", func(h *SourceHolding) { h.AccountID = "" }},
		{"missing symbol", func(h *SourceHolding) { h.Symbol = "" }},
		{"missing currency", func(h *SourceHolding) { h.Currency = "" }},
		{"bad currency length", func(h *SourceHolding) { h.Currency = "US" }},
		{"unknown currency", func(h *SourceHolding) { h.Currency = "ZZZ" }},
		{"NaN quantity", func(h *SourceHolding) { h.Quantity = math.NaN() }},
		{"Inf market value", func(h *SourceHolding) { h.MarketValue = math.Inf(1) }},
		{"NaN cost basis", func(h *SourceHolding) { h.CostBasis = math.NaN() }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := validHolding()
			tc.mutate(&h)
			if err := h.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNormalizedSymbol(t *testing.T) {
	h := SourceHolding{Symbol: "  eqnr.ol "}
	if got := h.NormalizedSymbol(); got != "EQNR.OL" {
		t.Errorf("NormalizedSymbol = %q, want EQNR.OL", got)
	}
}

func TestBaseTickerAndSuffix(t *testing.T) {
	cases := []struct {
		symbol string
		base   string
		suffix string
	}{
		{"EQNR.OL", "EQNR", "OL"},
		{"AAPL", "AAPL", ""},
		{"BRK.B", "BRK", "B"},
		{".HIDDEN", ".HIDDEN", ""}, // leading dot is not a suffix separator
	}
	for _, tc := range cases {
		h := SourceHolding{Symbol: tc.symbol}
		if got := h.BaseTicker(); got != tc.base {
			t.Errorf("BaseTicker(%q) = %q, want %q", tc.symbol, got, tc.base)
		}
		if got := h.ExchangeSuffix(); got != tc.suffix {
			t.Errorf("ExchangeSuffix(%q) = %q, want %q", tc.symbol, got, tc.suffix)
		}
	}
}

func TestNormalizeAssetClass(t *testing.T) {
	cases := map[string]string{
		"Equity":       "equity",
		"STOCK":        "equity",
		"shares":       "equity",
		"etf":          "fund",
		"managed_fund": "fund",
		"bond":         "fixed_income",
		"cash":         "cash",
		"crypto":       "crypto",
		"":             "equity",
		" Reit ":       "reit", // unknown classes pass through lowercased
	}
	for in, want := range cases {
		if got := NormalizeAssetClass(in); got != want {
			t.Errorf("NormalizeAssetClass(%q) = %q, want %q", in, got, want)
		}
	}
}
