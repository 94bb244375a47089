package costtable

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCostZeroTokensIsZero(t *testing.T) {
	tbl := New()
	got := tbl.Cost("gpt-4o", 0, 0)
	if !got.Equal(decimal.Zero) {
		t.Fatalf("expected zero cost for zero tokens, got %s", got)
	}
}

func TestCostMonotoneInTokens(t *testing.T) {
	tbl := New()
	low := tbl.Cost("gpt-4o", 100, 100)
	high := tbl.Cost("gpt-4o", 200, 100)
	if !high.GreaterThan(low) {
		t.Fatalf("expected cost to increase with prompt tokens: low=%s high=%s", low, high)
	}
	higher := tbl.Cost("gpt-4o", 200, 200)
	if !higher.GreaterThan(high) {
		t.Fatalf("expected cost to increase with completion tokens: high=%s higher=%s", high, higher)
	}
}

func TestCostExactMatch(t *testing.T) {
	tbl := New()
	p := tbl.Lookup("gpt-4o-mini")
	if p.Model != "gpt-4o-mini" {
		t.Fatalf("expected exact match, got %q", p.Model)
	}
}

func TestCostFuzzyMatch(t *testing.T) {
	tbl := New()
	p := tbl.Lookup("openrouter/anthropic/claude-3-opus")
	if p.Model != "claude-3-opus" {
		t.Fatalf("expected fuzzy match on claude-3-opus, got %q", p.Model)
	}
}

func TestCostUnknownModelUsesDefault(t *testing.T) {
	tbl := New()
	p := tbl.Lookup("some-unreleased-model-xyz")
	if p.Model != "default" {
		t.Fatalf("expected default fallback, got %q", p.Model)
	}
}

func TestCostNeverNegative(t *testing.T) {
	tbl := New()
	got := tbl.Cost("mixtral-8x7b", 1000, 1000)
	if got.IsNegative() {
		t.Fatalf("cost must never be negative, got %s", got)
	}
}

func TestEstimateCompletionTokens(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	got := EstimateCompletionTokens(text)
	if got <= 0 {
		t.Fatalf("expected positive estimate, got %d", got)
	}
	// 10 words * 1.3 = 13
	if got != 13 {
		t.Fatalf("expected 13, got %d", got)
	}
}
