/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Static per-model pricing table and cost computation.
             Fixed-point decimal throughout; no floats.
Root Cause:  Sprint task T041 — cost table for run-level budget
             accounting (AgentWall governance core, C1).
Context:     Consumed by the budget gate and the request pipeline
             after every upstream call.
Suitability: L2 model for a table lookup with no control flow risk.
──────────────────────────────────────────────────────────────
*/

package costtable

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Price holds per-million-token input/output pricing for one model.
type Price struct {
	Model       string
	InputPer1M  decimal.Decimal
	OutputPer1M decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// Table is a static, startup-loaded model pricing catalog. It is safe
// for concurrent read access since it is never mutated after New.
type Table struct {
	prices  map[string]Price
	fallback Price
}

// New builds the default pricing table. The table is a single literal
// in source; there are no network fetches.
func New() *Table {
	t := &Table{prices: make(map[string]Price, len(defaultCatalog))}
	for _, p := range defaultCatalog {
		t.prices[p.Model] = p
	}
	t.fallback = Price{
		Model:       "default",
		InputPer1M:  decimal.NewFromFloat(1.0),
		OutputPer1M: decimal.NewFromFloat(2.0),
	}
	return t
}

// Lookup resolves pricing for a model: exact match first, then a
// substring fuzzy match against known keys, then the configured
// default. Mirrors the fuzzy-then-default resolution of the system
// this table descends from.
func (t *Table) Lookup(model string) Price {
	if p, ok := t.prices[model]; ok {
		return p
	}
	m := strings.ToLower(model)
	for key, p := range t.prices {
		if strings.Contains(m, strings.ToLower(key)) {
			return p
		}
	}
	return t.fallback
}

// Cost computes (promptTokens * inputPrice + completionTokens *
// outputPrice) / 1e6 in fixed-point decimal. For zero tokens the
// result is exactly zero; cost is always finite and non-negative for
// non-negative inputs.
func (t *Table) Cost(model string, promptTokens, completionTokens int64) decimal.Decimal {
	p := t.Lookup(model)
	promptCost := decimal.NewFromInt(promptTokens).Mul(p.InputPer1M).Div(million)
	completionCost := decimal.NewFromInt(completionTokens).Mul(p.OutputPer1M).Div(million)
	return promptCost.Add(completionCost)
}

// EstimateCompletionTokens estimates token count from accumulated
// streamed text when an upstream omits a final usage frame. Upstream-
// reported usage always takes precedence over this estimate; it is a
// fallback only.
func EstimateCompletionTokens(text string) int64 {
	words := len(strings.Fields(text))
	return int64(float64(words) * 1.3)
}

// defaultCatalog is the single in-source pricing literal. Prices are
// USD per one million tokens.
var defaultCatalog = []Price{
	{"gpt-4o", decimal.NewFromFloat(2.50), decimal.NewFromFloat(10.00)},
	{"gpt-4o-mini", decimal.NewFromFloat(0.15), decimal.NewFromFloat(0.60)},
	{"gpt-4-turbo", decimal.NewFromFloat(10.00), decimal.NewFromFloat(30.00)},
	{"gpt-4", decimal.NewFromFloat(30.00), decimal.NewFromFloat(60.00)},
	{"gpt-3.5-turbo", decimal.NewFromFloat(0.50), decimal.NewFromFloat(1.50)},
	{"o1", decimal.NewFromFloat(15.00), decimal.NewFromFloat(60.00)},
	{"o1-mini", decimal.NewFromFloat(3.00), decimal.NewFromFloat(12.00)},
	{"claude-3-opus", decimal.NewFromFloat(15.00), decimal.NewFromFloat(75.00)},
	{"claude-3-sonnet", decimal.NewFromFloat(3.00), decimal.NewFromFloat(15.00)},
	{"claude-3-haiku", decimal.NewFromFloat(0.25), decimal.NewFromFloat(1.25)},
	{"claude-3.5-sonnet", decimal.NewFromFloat(3.00), decimal.NewFromFloat(15.00)},
	{"gemini-1.5-pro", decimal.NewFromFloat(1.25), decimal.NewFromFloat(5.00)},
	{"gemini-1.5-flash", decimal.NewFromFloat(0.075), decimal.NewFromFloat(0.30)},
	{"gemini-2.0-flash", decimal.NewFromFloat(0.10), decimal.NewFromFloat(0.40)},
	{"mixtral-8x7b", decimal.Zero, decimal.Zero},
	{"llama-3.1-70b", decimal.NewFromFloat(0.59), decimal.NewFromFloat(0.79)},
	{"llama-3.1-8b", decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.08)},
	{"mistral-large", decimal.NewFromFloat(2.00), decimal.NewFromFloat(6.00)},
	{"command-r-plus", decimal.NewFromFloat(2.50), decimal.NewFromFloat(10.00)},
}
