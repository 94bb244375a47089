package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/doctorcmptrmita2/agentwall/budget"
	"github.com/doctorcmptrmita2/agentwall/costtable"
	"github.com/doctorcmptrmita2/agentwall/dlp"
	"github.com/doctorcmptrmita2/agentwall/identity"
	"github.com/doctorcmptrmita2/agentwall/loopdetect"
	"github.com/doctorcmptrmita2/agentwall/provider"
	"github.com/doctorcmptrmita2/agentwall/runstate"
	"github.com/doctorcmptrmita2/agentwall/telemetry"
)

// stubProvider satisfies provider.Provider just enough for routing tests.
type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, nil
}
func (s *stubProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return nil, nil
}
func (s *stubProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) provider.HealthStatus { return provider.HealthStatus{} }
func (s *stubProvider) Models() []string                                    { return nil }

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type harness struct {
	pipe     *Pipeline
	runs     runstate.Store
	registry *provider.Registry
}

func newHarness() *harness {
	sink := telemetry.NewLogSink(testLogger())
	tel := telemetry.NewPipeline(testLogger(), sink)

	registry := provider.NewRegistry()
	registry.Register(&stubProvider{name: "openai"})

	runs := runstate.NewMemoryStore()
	cfg := DefaultConfig()

	p := New(
		testLogger(),
		cfg,
		identity.NewOpaqueResolver(),
		runs,
		dlp.New(),
		loopdetect.New(),
		costtable.New(),
		budget.NewSpendTracker(),
		registry,
		tel,
		nil,
	)
	return &harness{pipe: p, runs: runs, registry: registry}
}

func authedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-test-key")
	return r
}

func TestAdmitAssignsStepOne(t *testing.T) {
	h := newHarness()
	sc, rej := h.pipe.Admit(context.Background(), authedRequest(), EnvelopeFields{}, "gpt-4o")
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if sc.Step != 1 {
		t.Fatalf("expected first admitted step to be 1, got %d", sc.Step)
	}
}

func TestAdmitRejectsWhenNoCredential(t *testing.T) {
	h := newHarness()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	_, rej := h.pipe.Admit(context.Background(), r, EnvelopeFields{}, "gpt-4o")
	if rej == nil || rej.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no credential present, got %+v", rej)
	}
}

func TestAdmitRejectsAtStepLimit(t *testing.T) {
	h := newHarness()
	r := authedRequest()
	r.Header.Set("X-AgentWall-Run-ID", "run-limit-test")

	cfg := DefaultConfig()
	cfg.DefaultCeilings.MaxSteps = 1
	h.pipe.config = cfg

	sc, rej := h.pipe.Admit(context.Background(), r, EnvelopeFields{}, "gpt-4o")
	if rej != nil {
		t.Fatalf("expected first step admitted, got %+v", rej)
	}
	if sc.Step != 1 {
		t.Fatalf("expected step 1, got %d", sc.Step)
	}

	_, rej2 := h.pipe.Admit(context.Background(), r, EnvelopeFields{}, "gpt-4o")
	if rej2 == nil || rej2.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 at step limit, got %+v", rej2)
	}
}

func TestAdmitRejectsWhenRunAlreadyKilled(t *testing.T) {
	h := newHarness()
	r := authedRequest()
	r.Header.Set("X-AgentWall-Run-ID", "run-killed-test")

	run, _ := h.runs.Load(context.Background(), "run-killed-test", runstate.DefaultCeilings())
	run.Kill("manual_test_kill")
	_ = h.runs.Save(context.Background(), run)

	_, rej := h.pipe.Admit(context.Background(), r, EnvelopeFields{}, "gpt-4o")
	if rej == nil || rej.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for an already-killed run, got %+v", rej)
	}
}

func TestPreScanBlocksOnDLPBlockMode(t *testing.T) {
	h := newHarness()
	h.pipe.config.DLPMode = dlp.ModeBlock
	sc := &StepContext{Run: &runstate.Run{}}

	rej := h.pipe.PreScan(context.Background(), sc, "my openai key is sk-1234567890abcdef1234567890abcdef12345678")
	if rej == nil || rej.ErrorType != "dlp-blocked" {
		t.Fatalf("expected a dlp-blocked rejection, got %+v", rej)
	}
}

func TestPreScanWarnsOnLowConfidenceLoop(t *testing.T) {
	h := newHarness()
	sc := &StepContext{Run: &runstate.Run{
		RecentPrompts:   []string{"do step one", "do step two", "do step three"},
		RecentResponses: []string{"ok one", "ok two", "ok three"},
	}}

	rej := h.pipe.PreScan(context.Background(), sc, "a brand new unrelated prompt about weather")
	if rej != nil {
		t.Fatalf("expected no rejection for an unrelated prompt, got %+v", rej)
	}
}

func TestPreScanKillsOnExactRepeatedPrompt(t *testing.T) {
	h := newHarness()
	sc := &StepContext{Run: &runstate.Run{
		RecentPrompts:   []string{"repeat this exact prompt"},
		RecentResponses: []string{"ok"},
	}}

	rej := h.pipe.PreScan(context.Background(), sc, "repeat this exact prompt")
	if rej == nil || rej.Reason == "" {
		t.Fatalf("expected an exact-repeat prompt to be caught as a loop, got %+v", rej)
	}
	if sc.Run.Status != runstate.StatusKilled {
		t.Fatalf("expected the run to be killed on high-confidence loop, got %s", sc.Run.Status)
	}
}

func TestRouteResolvesRegisteredProvider(t *testing.T) {
	h := newHarness()
	sc := &StepContext{Model: "gpt-4o"}
	prov, err := h.pipe.Route(sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Name() != "openai" {
		t.Fatalf("expected openai provider, got %s", prov.Name())
	}
}

func TestRouteErrorsWhenProviderNotRegistered(t *testing.T) {
	h := newHarness()
	sc := &StepContext{Model: "claude-3.5-sonnet"}
	_, err := h.pipe.Route(sc)
	if err == nil {
		t.Fatalf("expected an error since anthropic/openrouter is not registered in this harness")
	}
}

func TestPostScanAccumulatesCostAndHistory(t *testing.T) {
	h := newHarness()
	sc := &StepContext{
		RunID:        "run-1",
		Identity:     identity.Identity{TeamID: "team-1"},
		Run:          &runstate.Run{RunID: "run-1", TotalCost: decimal.Zero},
		Model:        "gpt-4o",
		Routing:      provider.RoutingDecision{ResolvedModel: "gpt-4o", Provider: "openai"},
		BudgetPolicy: budget.DefaultPolicy(),
		Prompt:       "hello",
	}

	outcome, rej := h.pipe.PostScan(context.Background(), sc, "hi there", 10, 20, 100, 5, 200)
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if !outcome.Cost.GreaterThan(decimal.Zero) {
		t.Fatalf("expected a positive cost, got %s", outcome.Cost)
	}
	if len(sc.Run.RecentPrompts) != 1 || sc.Run.RecentPrompts[0] != "hello" {
		t.Fatalf("expected the prompt appended to history, got %+v", sc.Run.RecentPrompts)
	}
	if sc.Run.TotalTokens != 30 {
		t.Fatalf("expected cumulative tokens 30, got %d", sc.Run.TotalTokens)
	}
}

func TestPostScanKillsOnBudgetExceeded(t *testing.T) {
	h := newHarness()
	policy := budget.DefaultPolicy()
	policy.PerRunLimit = decimal.NewFromFloat(0.0001)

	sc := &StepContext{
		RunID:        "run-2",
		Identity:     identity.Identity{TeamID: "team-2"},
		Run:          &runstate.Run{RunID: "run-2", TotalCost: decimal.Zero},
		Model:        "gpt-4o",
		Routing:      provider.RoutingDecision{ResolvedModel: "gpt-4o", Provider: "openai"},
		BudgetPolicy: policy,
		Prompt:       "hello",
	}

	_, rej := h.pipe.PostScan(context.Background(), sc, "a fairly long response with many tokens in it", 100, 200, 50, 5, 200)
	if rej == nil {
		t.Fatalf("expected budget-exceeded rejection")
	}
	if sc.Run.Status != runstate.StatusKilled {
		t.Fatalf("expected run killed on budget exceeded, got %s", sc.Run.Status)
	}
	if rej.BudgetScope == "" {
		t.Fatalf("expected BudgetScope set on a budget-exceeded rejection, got %+v", rej)
	}
}

func TestPreScanLoopKillSetsLoopTypeAndConfidence(t *testing.T) {
	h := newHarness()
	sc := &StepContext{Run: &runstate.Run{
		RecentPrompts:   []string{"repeat this exact prompt"},
		RecentResponses: []string{"ok"},
	}}

	rej := h.pipe.PreScan(context.Background(), sc, "repeat this exact prompt")
	if rej == nil {
		t.Fatalf("expected an exact-repeat prompt to be caught as a loop")
	}
	if rej.LoopType == "" {
		t.Fatalf("expected LoopType set on a loop-kill rejection, got %+v", rej)
	}
	if rej.Confidence <= 0 {
		t.Fatalf("expected a positive confidence on a loop-kill rejection, got %+v", rej)
	}
}

func TestEnvelopeCarriesWarning(t *testing.T) {
	h := newHarness()
	sc := &StepContext{RunID: "run-3", Step: 2, Warning: "loop similarity elevated"}
	outcome := &StepOutcome{Cost: decimal.NewFromFloat(0.01), CumulativeCost: decimal.NewFromFloat(0.02), CumulativeSteps: 2, ProviderName: "openai"}

	env := h.pipe.Envelope(sc, outcome, 12)
	if env["warning"] != "loop similarity elevated" {
		t.Fatalf("expected warning to be carried into the envelope, got %+v", env)
	}
	if env["run_id"] != "run-3" {
		t.Fatalf("expected run_id in envelope, got %+v", env)
	}
	// External JSON keys, not Go field names — clients depend on these exact strings.
	if env["cost_usd"] != outcome.Cost.String() {
		t.Fatalf("expected cost_usd in envelope, got %+v", env)
	}
	if env["total_run_cost"] != outcome.CumulativeCost.String() {
		t.Fatalf("expected total_run_cost in envelope, got %+v", env)
	}
	if env["total_run_steps"] != outcome.CumulativeSteps {
		t.Fatalf("expected total_run_steps in envelope, got %+v", env)
	}
	for _, legacy := range []string{"cost", "cumulative_cost", "cumulative_steps"} {
		if _, ok := env[legacy]; ok {
			t.Fatalf("envelope should not carry legacy key %q, got %+v", legacy, env)
		}
	}
}

func TestPromptTextPrefersLastUserMessage(t *testing.T) {
	msgs := []provider.ChatMessage{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if got := PromptText(msgs); got != "second question" {
		t.Fatalf("expected the last user message, got %q", got)
	}
}
