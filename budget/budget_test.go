package budget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCheckAllClearWhenUnderAllLimits(t *testing.T) {
	p := DefaultPolicy()
	dec := Check(p, "r1", d("1.00"), d("10.00"), d("100.00"))
	if dec.ShouldKill || dec.ExceededLimit != LimitNone {
		t.Fatalf("expected all-clear decision, got %+v", dec)
	}
}

func TestCheckPerRunTakesPrecedence(t *testing.T) {
	p := DefaultPolicy()
	dec := Check(p, "r1", d("11.00"), d("0"), d("0"))
	if !dec.ShouldKill || dec.ExceededLimit != LimitPerRun {
		t.Fatalf("expected per_run kill, got %+v", dec)
	}
}

func TestCheckDailyCheckedBeforeMonthly(t *testing.T) {
	p := DefaultPolicy()
	dec := Check(p, "r1", d("1.00"), d("100.00"), d("0"))
	if !dec.ShouldKill || dec.ExceededLimit != LimitDaily {
		t.Fatalf("expected daily kill, got %+v", dec)
	}
}

func TestCheckMonthlyExceeded(t *testing.T) {
	p := DefaultPolicy()
	dec := Check(p, "r1", d("1.00"), d("10.00"), d("3000.00"))
	if !dec.ShouldKill || dec.ExceededLimit != LimitMonthly {
		t.Fatalf("expected monthly kill, got %+v", dec)
	}
}

func TestCheckStrictGreaterThan_EqualityDoesNotExceed(t *testing.T) {
	p := DefaultPolicy()
	dec := Check(p, "r1", p.PerRunLimit, d("0"), d("0"))
	if dec.ShouldKill {
		t.Fatalf("exact equality to the limit must not exceed it, got %+v", dec)
	}
}

func TestCheckAutoKillDisabledOnlyWarns(t *testing.T) {
	p := DefaultPolicy()
	p.AutoKillEnabled = false
	dec := Check(p, "r1", d("11.00"), d("0"), d("0"))
	if dec.ShouldKill {
		t.Fatalf("auto-kill disabled must never request a kill")
	}
	if dec.ExceededLimit != LimitPerRun {
		t.Fatalf("exceeded-limit label must still be reported, got %+v", dec)
	}
}

func TestCheckProperty_UnderAllThreeLimitsNeverKills(t *testing.T) {
	p := DefaultPolicy()
	cost := d("0.50")
	if cost.GreaterThan(p.PerRunLimit) {
		t.Fatal("test fixture invalid")
	}
	dailySpent := d("1.00")
	monthlySpent := d("1.00")
	if dailySpent.Add(cost).GreaterThan(p.DailyLimit) || monthlySpent.Add(cost).GreaterThan(p.MonthlyLimit) {
		t.Fatal("test fixture invalid")
	}
	dec := Check(p, "r1", cost, dailySpent, monthlySpent)
	if dec.ShouldKill {
		t.Fatalf("expected not-kill per the budget gate property, got %+v", dec)
	}
}

func TestShouldAlert(t *testing.T) {
	p := DefaultPolicy()
	if !p.ShouldAlert(d("6.00")) {
		t.Fatalf("expected alert above threshold")
	}
	if p.ShouldAlert(d("4.00")) {
		t.Fatalf("expected no alert below threshold")
	}
}

func TestSpendTrackerAccumulatesWithinSameDay(t *testing.T) {
	tr := NewSpendTracker()
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	tr.RecordSpend("team-1", d("1.50"), now)
	tr.RecordSpend("team-1", d("2.00"), now.Add(time.Hour))

	if got := tr.DailySpent("team-1", now); !got.Equal(d("3.50")) {
		t.Fatalf("expected accumulated daily spend of 3.50, got %s", got)
	}
	if got := tr.MonthlySpent("team-1", now); !got.Equal(d("3.50")) {
		t.Fatalf("expected accumulated monthly spend of 3.50, got %s", got)
	}
}

func TestSpendTrackerIsolatesAcrossDaysWithinSameMonth(t *testing.T) {
	tr := NewSpendTracker()
	day1 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	tr.RecordSpend("team-1", d("5.00"), day1)
	tr.RecordSpend("team-1", d("5.00"), day2)

	if got := tr.DailySpent("team-1", day1); !got.Equal(d("5.00")) {
		t.Fatalf("expected day1 spend to stay isolated, got %s", got)
	}
	if got := tr.MonthlySpent("team-1", day1); !got.Equal(d("10.00")) {
		t.Fatalf("expected monthly spend to accumulate across days, got %s", got)
	}
}

func TestSpendTrackerIsolatesAcrossTeams(t *testing.T) {
	tr := NewSpendTracker()
	now := time.Now()
	tr.RecordSpend("team-a", d("10.00"), now)
	tr.RecordSpend("team-b", d("20.00"), now)

	if got := tr.DailySpent("team-a", now); !got.Equal(d("10.00")) {
		t.Fatalf("expected team-a spend to stay isolated, got %s", got)
	}
	if got := tr.DailySpent("team-b", now); !got.Equal(d("20.00")) {
		t.Fatalf("expected team-b spend to stay isolated, got %s", got)
	}
}
