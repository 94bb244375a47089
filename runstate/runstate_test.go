package runstate

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/doctorcmptrmita2/agentwall/config"
	"github.com/doctorcmptrmita2/agentwall/redisclient"
)

func TestMemoryStoreCreatesFreshRunOnMiss(t *testing.T) {
	s := NewMemoryStore()
	run, err := s.Load(context.Background(), "r1", DefaultCeilings())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StepCount != 0 || run.Status != StatusRunning {
		t.Fatalf("expected fresh zero-state run, got %+v", run)
	}
}

func TestMemoryStoreRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run, _ := s.Load(ctx, "r1", DefaultCeilings())
	run.StepCount = 3
	run.TotalCost = decimal.NewFromFloat(1.5)
	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	reloaded, _ := s.Load(ctx, "r1", DefaultCeilings())
	if reloaded.StepCount != 3 {
		t.Fatalf("expected step count to persist, got %d", reloaded.StepCount)
	}
	if !reloaded.TotalCost.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected cost to persist, got %s", reloaded.TotalCost)
	}
}

func TestAppendHistoryCapsAtFive(t *testing.T) {
	run := newRun("r1", DefaultCeilings())
	for i := 0; i < 7; i++ {
		run.AppendHistory("prompt", "response")
	}
	if len(run.RecentPrompts) != historySize {
		t.Fatalf("expected ring capped at %d, got %d", historySize, len(run.RecentPrompts))
	}
	if len(run.RecentResponses) != historySize {
		t.Fatalf("expected response ring capped at %d, got %d", historySize, len(run.RecentResponses))
	}
}

func TestAppendHistoryTruncatesLongEntries(t *testing.T) {
	run := newRun("r1", DefaultCeilings())
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	run.AppendHistory(string(long), string(long))
	if len(run.RecentPrompts[0]) != 500 {
		t.Fatalf("expected prompt truncated to 500 bytes, got %d", len(run.RecentPrompts[0]))
	}
}

func TestKillIsOneWay(t *testing.T) {
	run := newRun("r1", DefaultCeilings())
	run.Status = StatusCompleted
	run.Kill("should_not_apply")
	if run.Status != StatusCompleted {
		t.Fatalf("expected status to remain completed once non-running, got %s", run.Status)
	}

	run2 := newRun("r2", DefaultCeilings())
	run2.Kill("budget_exceeded")
	if run2.Status != StatusKilled || run2.KillReason != "budget_exceeded" {
		t.Fatalf("expected run to be killed with reason recorded, got %+v", run2)
	}
}

func TestFallbackStoreDegradesOnPrimaryError(t *testing.T) {
	// Point the primary at a port nothing listens on so every call
	// fails fast; the FallbackStore must still succeed via memory.
	client, err := redisclient.New(&config.Config{RedisURL: "redis://127.0.0.1:1/0"})
	if err != nil {
		t.Fatalf("unexpected error constructing client: %v", err)
	}
	primary := NewRedisStore(client)
	degraded := false
	fs := NewFallbackStore(primary, func(err error) { degraded = true })

	run, err := fs.Load(context.Background(), "r1", DefaultCeilings())
	if err != nil {
		t.Fatalf("expected fallback to succeed despite unreachable primary, got %v", err)
	}
	if !degraded {
		t.Fatalf("expected onDegrade to be invoked")
	}
	if run.RunID != "r1" {
		t.Fatalf("expected a fresh run for r1, got %+v", run)
	}
}
