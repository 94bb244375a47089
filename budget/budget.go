/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Pure budget decision function: per-run, daily, and
             monthly ceilings checked in that order with strict
             greater-than comparisons.
Root Cause:  Sprint task T048 — budget gate (AgentWall governance
             core, C5).
Context:     Invoked after every upstream call with the
             just-incurred cost; the auto-kill flag on the policy
             decides whether the run actually dies or just warns.
Suitability: L2 model for a pure decision table.
──────────────────────────────────────────────────────────────
*/

package budget

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ExceededLimit identifies which ceiling (if any) was exceeded.
type ExceededLimit string

const (
	LimitNone    ExceededLimit = ""
	LimitPerRun  ExceededLimit = "per_run"
	LimitDaily   ExceededLimit = "daily"
	LimitMonthly ExceededLimit = "monthly"
)

// Policy is the set of ceilings and switches governing one run's
// spend. All monetary fields are fixed-point decimal.
type Policy struct {
	PerRunLimit     decimal.Decimal
	DailyLimit      decimal.Decimal
	MonthlyLimit    decimal.Decimal
	AlertThreshold  decimal.Decimal
	AutoKillEnabled bool
}

// DefaultPolicy mirrors the defaults of the system this gate descends
// from: $10 per run, $100/day, $3000/month, alert at $5, auto-kill on.
func DefaultPolicy() Policy {
	return Policy{
		PerRunLimit:     decimal.NewFromInt(10),
		DailyLimit:      decimal.NewFromInt(100),
		MonthlyLimit:    decimal.NewFromInt(3000),
		AlertThreshold:  decimal.NewFromInt(5),
		AutoKillEnabled: true,
	}
}

// ShouldAlert reports whether cumulative run cost has crossed the
// alert threshold.
func (p Policy) ShouldAlert(currentCost decimal.Decimal) bool {
	return currentCost.GreaterThan(p.AlertThreshold)
}

// Decision is the outcome of one budget check.
type Decision struct {
	ShouldKill    bool
	ExceededLimit ExceededLimit
	Reason        string
	CurrentCost   decimal.Decimal
	Limit         decimal.Decimal
}

// Check evaluates the three ceilings in precedence order — per-run,
// then daily (dailySpent + currentCost), then monthly (monthlySpent +
// currentCost) — using strict greater-than comparisons so equality
// never counts as exceeding. The policy's AutoKillEnabled flag gates
// whether an exceeded ceiling actually requests a kill; when disabled
// the exceeded-limit label is still reported but ShouldKill is false
// so the caller only warns.
func Check(policy Policy, runID string, currentCost, dailySpent, monthlySpent decimal.Decimal) Decision {
	if currentCost.GreaterThan(policy.PerRunLimit) {
		return decide(policy, LimitPerRun, "per-run budget exceeded", currentCost, policy.PerRunLimit)
	}

	dailyTotal := dailySpent.Add(currentCost)
	if dailyTotal.GreaterThan(policy.DailyLimit) {
		return decide(policy, LimitDaily, "daily team budget exceeded", dailyTotal, policy.DailyLimit)
	}

	monthlyTotal := monthlySpent.Add(currentCost)
	if monthlyTotal.GreaterThan(policy.MonthlyLimit) {
		return decide(policy, LimitMonthly, "monthly team budget exceeded", monthlyTotal, policy.MonthlyLimit)
	}

	return Decision{
		ShouldKill:    false,
		ExceededLimit: LimitNone,
		CurrentCost:   currentCost,
		Limit:         decimal.Zero,
	}
}

func decide(policy Policy, limit ExceededLimit, reason string, cost, ceiling decimal.Decimal) Decision {
	return Decision{
		ShouldKill:    policy.AutoKillEnabled,
		ExceededLimit: limit,
		Reason:        reason,
		CurrentCost:   cost,
		Limit:         ceiling,
	}
}

// RemainingBudget returns how much of each ceiling is left given
// cumulative spend figures; negative values indicate the ceiling has
// already been exceeded.
func RemainingBudget(policy Policy, runCost, dailySpent, monthlySpent decimal.Decimal) (perRun, daily, monthly decimal.Decimal) {
	return policy.PerRunLimit.Sub(runCost),
		policy.DailyLimit.Sub(dailySpent),
		policy.MonthlyLimit.Sub(monthlySpent)
}

// SpendTracker accumulates per-team daily and monthly spend in-process,
// so Check's daily/monthly arguments have something real to compare
// against. It is intentionally process-local (no cross-instance
// aggregation) — the same availability/consistency trade-off the rest
// of the governance core makes for run state (§1 non-goals).
type SpendTracker struct {
	mu      sync.Mutex
	daily   map[string]decimal.Decimal
	monthly map[string]decimal.Decimal
}

// NewSpendTracker builds an empty tracker.
func NewSpendTracker() *SpendTracker {
	return &SpendTracker{
		daily:   make(map[string]decimal.Decimal),
		monthly: make(map[string]decimal.Decimal),
	}
}

func dailyKey(teamID string, at time.Time) string {
	return teamID + "|" + at.UTC().Format("2006-01-02")
}

func monthlyKey(teamID string, at time.Time) string {
	return teamID + "|" + at.UTC().Format("2006-01")
}

// RecordSpend adds cost to the team's running daily and monthly totals
// for the bucket containing `at`.
func (t *SpendTracker) RecordSpend(teamID string, cost decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dk, mk := dailyKey(teamID, at), monthlyKey(teamID, at)
	t.daily[dk] = t.daily[dk].Add(cost)
	t.monthly[mk] = t.monthly[mk].Add(cost)
}

// DailySpent returns the team's accumulated spend for the day containing `at`.
func (t *SpendTracker) DailySpent(teamID string, at time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily[dailyKey(teamID, at)]
}

// MonthlySpent returns the team's accumulated spend for the month containing `at`.
func (t *SpendTracker) MonthlySpent(teamID string, at time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.monthly[monthlyKey(teamID, at)]
}
