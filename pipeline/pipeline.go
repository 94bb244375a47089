/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       The request pipeline: the per-request state machine
             orchestrating identity extraction, run admission, DLP
             scanning, loop detection, provider routing, cost
             accounting, budget enforcement, and telemetry around one
             chat-completions call. This is the governance core's
             single point of integration — every other package in
             this repository is a pure function or a narrow store that
             this file wires together in the exact order the request
             lifecycle requires.
Root Cause:  Sprint task T070 — request pipeline (AgentWall governance
             core, C9), the top-level orchestrator for C2 through C8.
Context:     States: Received, Admitted, PreScanned, Routed, Upstream,
             PostScanned, Logged, Done, Rejected(reason). See the
             per-state methods below; handler/proxy.go and
             handler/stream.go call these in sequence rather than
             re-implementing governance logic themselves.
Suitability: L4 model required for the central orchestration path.
──────────────────────────────────────────────────────────────
*/

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/doctorcmptrmita2/agentwall/budget"
	"github.com/doctorcmptrmita2/agentwall/costtable"
	"github.com/doctorcmptrmita2/agentwall/dlp"
	"github.com/doctorcmptrmita2/agentwall/identity"
	"github.com/doctorcmptrmita2/agentwall/loopdetect"
	"github.com/doctorcmptrmita2/agentwall/metering"
	"github.com/doctorcmptrmita2/agentwall/provider"
	"github.com/doctorcmptrmita2/agentwall/runstate"
	"github.com/doctorcmptrmita2/agentwall/telemetry"
)

// Config bundles the tunables the pipeline needs beyond its
// collaborators' own defaults.
type Config struct {
	DLPMode              dlp.Mode
	LoopKillConfidence   float64
	DefaultBudgetPolicy  budget.Policy
	DefaultCeilings      runstate.Ceilings
}

// DefaultConfig mirrors the governance defaults used throughout C4/C5.
func DefaultConfig() Config {
	return Config{
		DLPMode:             dlp.ModeMask,
		LoopKillConfidence:  0.95,
		DefaultBudgetPolicy: budget.DefaultPolicy(),
		DefaultCeilings:     runstate.DefaultCeilings(),
	}
}

// Pipeline is C9: the orchestrator. It holds no per-request state; all
// per-request data lives in the StepContext threaded through its
// methods.
type Pipeline struct {
	logger     zerolog.Logger
	config     Config
	identity   identity.Resolver
	runs       runstate.Store
	dlpEngine  *dlp.Engine
	loops      *loopdetect.Detector
	costs      *costtable.Table
	spend      *budget.SpendTracker
	registry   *provider.Registry
	telemetry  *telemetry.Pipeline
	dashboard  *telemetry.DashboardShipper
	tokens     *metering.TokenCounter
}

// New builds a Pipeline from its collaborators. Every argument is a
// package this repository already builds and tests independently;
// this constructor only wires them together.
func New(
	logger zerolog.Logger,
	cfg Config,
	resolver identity.Resolver,
	runs runstate.Store,
	dlpEngine *dlp.Engine,
	loops *loopdetect.Detector,
	costs *costtable.Table,
	spend *budget.SpendTracker,
	registry *provider.Registry,
	tel *telemetry.Pipeline,
	dashboard *telemetry.DashboardShipper,
) *Pipeline {
	if loops.SimilarityThreshold == 0 {
		loops.SimilarityThreshold = loopdetect.DefaultSimilarityThreshold
	}
	return &Pipeline{
		logger:    logger.With().Str("component", "pipeline").Logger(),
		config:    cfg,
		identity:  resolver,
		runs:      runs,
		dlpEngine: dlpEngine,
		loops:     loops,
		costs:     costs,
		spend:     spend,
		registry:  registry,
		telemetry: tel,
		dashboard: dashboard,
		tokens:    metering.NewTokenCounter(4.0),
	}
}

// Rejection is a terminal, non-2xx outcome of the pipeline. The caller
// (an HTTP handler) is responsible for writing it to the wire; the
// pipeline never touches http.ResponseWriter directly so it stays
// testable without a live connection. ErrorType is the pipeline's
// internal classification ("auth", "internal", "run-limit",
// "dlp-blocked"); LoopType/Confidence/BudgetScope are populated only
// when ErrorType is "run-limit" and the kill was a loop or budget
// decision, giving the HTTP layer enough to build the external error
// taxonomy without re-parsing Reason.
type Rejection struct {
	Status      int
	ErrorType   string
	Reason      string
	LoopType    string
	Confidence  float64
	BudgetScope string
}

// EnvelopeFields are the AgentWall-specific request body fields that
// never reach the upstream provider. Because provider.ChatRequest has
// no matching struct fields at all, decoding the same request body
// into it already drops these — this type exists purely to *extract*
// them via a second, narrow decode of the same bytes, not to strip
// anything after the fact.
type EnvelopeFields struct {
	RunID    string            `json:"agentwall_run_id,omitempty"`
	AgentID  string            `json:"agentwall_agent_id,omitempty"`
	Metadata map[string]string `json:"agentwall_metadata,omitempty"`
}

// ExtractEnvelope reads the AgentWall-specific fields out of a raw
// request body. Unknown/absent fields decode to zero values.
func ExtractEnvelope(body []byte) EnvelopeFields {
	var e EnvelopeFields
	_ = json.Unmarshal(body, &e)
	return e
}

// StepContext carries one request's state across the pipeline's
// transitions. Exported so handlers can read fields like RunID for
// response headers.
type StepContext struct {
	RunID       string
	RequestID   string
	Identity    identity.Identity
	Run         *runstate.Run
	Step        int
	StartedAt   time.Time
	Model       string
	Routing     provider.RoutingDecision
	BudgetPolicy budget.Policy
	Warning     string
	Prompt      string
	DLPTriggered bool
	DLPAction    string
}

// classifyKillReason recovers the loop_type/budget_scope fields from a
// run's stored kill reason, used when a request hits an already-killed
// run rather than triggering the kill itself (the confidence that
// produced a historical loop kill isn't persisted on Run, so it is
// left unset in that path).
func classifyKillReason(reason string) (loopType, budgetScope string) {
	switch {
	case strings.HasPrefix(reason, "loop_detected:"):
		return strings.TrimPrefix(reason, "loop_detected:"), ""
	case strings.HasPrefix(reason, "budget_exceeded:"):
		return "", strings.TrimPrefix(reason, "budget_exceeded:")
	case reason == "budget_exceeded":
		return "", "per_run"
	default:
		return "", ""
	}
}

// extractRunID implements §4.9's priority order: header
// X-AgentWall-Run-ID, then a caller-header variant, then the request
// body's agentwall_run_id field, then a fresh server-generated id.
func extractRunID(r *http.Request, envelope EnvelopeFields) string {
	if v := r.Header.Get("X-AgentWall-Run-ID"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Run-ID"); v != "" {
		return v
	}
	if envelope.RunID != "" {
		return envelope.RunID
	}
	return uuid.NewString()
}

// PromptText collects a flat string from the chat messages for DLP
// scanning and loop detection — the last user-role message if present,
// otherwise every message content concatenated.
func PromptText(messages []provider.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if s, ok := messages[i].Content.(string); ok {
				return s
			}
		}
	}
	var all string
	for _, m := range messages {
		if s, ok := m.Content.(string); ok {
			all += s + "\n"
		}
	}
	return all
}

// Admit implements transitions Received → Admitted. It extracts
// identity and run-id, loads the Run record, and applies the
// admission decision in §4.9 step 1.
func (p *Pipeline) Admit(ctx context.Context, r *http.Request, envelope EnvelopeFields, model string) (*StepContext, *Rejection) {
	id, err := p.identity.Resolve(r)
	if err != nil {
		return nil, &Rejection{Status: http.StatusUnauthorized, ErrorType: "auth", Reason: "identity resolution failed"}
	}

	runID := extractRunID(r, envelope)
	ceilings := p.config.DefaultCeilings
	if id.Limits.MaxSteps > 0 {
		ceilings.MaxSteps = id.Limits.MaxSteps
	}

	run, err := p.runs.Load(ctx, runID, ceilings)
	if err != nil {
		return nil, &Rejection{Status: http.StatusInternalServerError, ErrorType: "internal", Reason: "run-state load failed"}
	}

	policy := p.config.DefaultBudgetPolicy
	if !id.Limits.DailyBudget.IsZero() {
		policy.DailyLimit = id.Limits.DailyBudget
	}

	now := time.Now()
	sc := &StepContext{
		RunID:        runID,
		RequestID:    uuid.NewString(),
		Identity:     id,
		Run:          run,
		StartedAt:    now,
		Model:        model,
		BudgetPolicy: policy,
	}

	if run.Status == runstate.StatusKilled {
		rej := &Rejection{Status: http.StatusTooManyRequests, ErrorType: "run-limit", Reason: "killed: " + run.KillReason}
		rej.LoopType, rej.BudgetScope = classifyKillReason(run.KillReason)
		return sc, rej
	}
	if run.StepCount >= run.Ceilings.MaxSteps {
		run.Kill("step_limit_exceeded")
		_ = p.runs.Save(ctx, run)
		return sc, &Rejection{Status: http.StatusTooManyRequests, ErrorType: "run-limit", Reason: "killed: step_limit_exceeded"}
	}
	if now.Sub(run.StartedAt) > time.Duration(run.Ceilings.TimeoutSeconds)*time.Second {
		run.Kill("timeout")
		_ = p.runs.Save(ctx, run)
		return sc, &Rejection{Status: http.StatusTooManyRequests, ErrorType: "run-limit", Reason: "killed: timeout"}
	}
	if run.TotalCost.GreaterThanOrEqual(run.Ceilings.MaxBudget) {
		run.Kill("budget_exceeded")
		_ = p.runs.Save(ctx, run)
		return sc, &Rejection{Status: http.StatusTooManyRequests, ErrorType: "run-limit", Reason: "killed: budget_exceeded", BudgetScope: "per_run"}
	}

	run.StepCount++
	sc.Step = run.StepCount
	if err := p.runs.Save(ctx, run); err != nil {
		p.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist step admission")
	}
	return sc, nil
}

// PreScan implements Admitted → PreScanned: DLP on the prompt, then the
// loop detector pre-check against prior history only (the current
// response is not yet known).
func (p *Pipeline) PreScan(ctx context.Context, sc *StepContext, prompt string) *Rejection {
	sc.Prompt = prompt

	scan := p.dlpEngine.Scan(prompt, p.config.DLPMode)
	sc.DLPTriggered = scan.Triggered()
	sc.DLPAction = string(p.config.DLPMode)
	if scan.Blocked {
		return &Rejection{Status: http.StatusBadRequest, ErrorType: "dlp-blocked", Reason: "prompt blocked by DLP policy"}
	}
	sc.Prompt = scan.Text

	result := p.loops.Check(sc.Prompt, "", sc.Run.RecentPrompts, sc.Run.RecentResponses)
	if result.IsLoop {
		if result.Confidence >= p.config.LoopKillConfidence {
			sc.Run.LoopDetected = true
			sc.Run.Kill("loop_detected:" + string(result.Type))
			_ = p.runs.Save(ctx, sc.Run)
			return &Rejection{
				Status:     http.StatusTooManyRequests,
				ErrorType:  "run-limit",
				Reason:     "killed: loop_detected:" + string(result.Type),
				LoopType:   string(result.Type),
				Confidence: result.Confidence,
			}
		}
		sc.Warning = result.Message
	}
	return nil
}

// Route implements PreScanned → Routed: resolve the model to a
// provider and connector.
func (p *Pipeline) Route(sc *StepContext) (provider.Provider, error) {
	sc.Routing = provider.ResolveModel(sc.Model)
	prov, ok := p.registry.Get(sc.Routing.Provider)
	if !ok {
		return nil, fmt.Errorf("pipeline: provider not registered: %s", sc.Routing.Provider)
	}
	return prov, nil
}

// StepOutcome is the result of PostScan, everything Logged/Done need.
type StepOutcome struct {
	ResponseText     string
	PromptTokens     int64
	CompletionTokens int64
	Cost             decimal.Decimal
	CumulativeCost   decimal.Decimal
	CumulativeSteps  int
	ProviderName     string
}

// PostScan implements Upstream → PostScanned → Logged: DLP on the
// response, loop post-check, cost accounting, the budget gate, run
// persistence, and fire-and-forget telemetry. Returns the possibly
// redacted response text and a Rejection when the budget or loop
// post-check kills the run (per §4.9, this happens *after* the spend
// is already incurred — the kill affects the next step, not this
// response).
func (p *Pipeline) PostScan(ctx context.Context, sc *StepContext, responseText string, promptTokens, completionTokens int64, latencyMs, proxyOverheadMs int64, statusCode int) (*StepOutcome, *Rejection) {
	scan := p.dlpEngine.Scan(responseText, p.config.DLPMode)
	if scan.Triggered() {
		sc.DLPTriggered = true
	}
	finalText := responseText
	if scan.Text != responseText {
		finalText = scan.Text
	}

	loopResult := p.loops.Check(sc.Prompt, finalText, sc.Run.RecentPrompts, sc.Run.RecentResponses)
	loopKill := loopResult.IsLoop && loopResult.Confidence >= p.config.LoopKillConfidence

	cost := p.costs.Cost(sc.Model, promptTokens, completionTokens)
	newCumulativeCost := sc.Run.TotalCost.Add(cost)

	now := time.Now()
	dailySpent := p.spend.DailySpent(sc.Identity.TeamID, now)
	monthlySpent := p.spend.MonthlySpent(sc.Identity.TeamID, now)
	decision := budget.Check(sc.BudgetPolicy, sc.RunID, newCumulativeCost, dailySpent, monthlySpent)

	sc.Run.AppendHistory(sc.Prompt, finalText)
	sc.Run.TotalTokens += promptTokens + completionTokens
	sc.Run.TotalCost = newCumulativeCost
	if decision.ExceededLimit != budget.LimitNone {
		sc.Run.BudgetExceeded = true
	}

	var rejection *Rejection
	if loopKill {
		sc.Run.LoopDetected = true
		sc.Run.Kill("loop_detected:" + string(loopResult.Type))
	} else if decision.ShouldKill {
		sc.Run.Kill("budget_exceeded:" + string(decision.ExceededLimit))
	}
	if sc.Run.Status == runstate.StatusKilled {
		rejection = &Rejection{Status: http.StatusTooManyRequests, ErrorType: "run-limit", Reason: sc.Run.KillReason}
		if loopKill {
			rejection.LoopType = string(loopResult.Type)
			rejection.Confidence = loopResult.Confidence
		} else if decision.ShouldKill {
			rejection.BudgetScope = string(decision.ExceededLimit)
		}
	}

	if err := p.runs.Save(ctx, sc.Run); err != nil {
		p.logger.Warn().Err(err).Str("run_id", sc.RunID).Msg("failed to persist step completion")
	}
	p.spend.RecordSpend(sc.Identity.TeamID, cost, now)

	p.telemetry.TrackLog(telemetry.LogEntry{
		RunID:            sc.RunID,
		Step:             sc.Step,
		RequestID:        sc.RequestID,
		TeamID:           sc.Identity.TeamID,
		UserID:           sc.Identity.UserID,
		APIKeyID:         sc.Identity.APIKeyID,
		Model:            sc.Routing.ResolvedModel,
		Endpoint:         "/v1/chat/completions",
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		LatencyMs:        latencyMs,
		ProxyOverheadMs:  proxyOverheadMs,
		StatusCode:       statusCode,
		LoopDetected:     loopResult.IsLoop,
		SimilarityScore:  loopResult.Confidence,
		DLPTriggered:     sc.DLPTriggered,
		DLPAction:        sc.DLPAction,
		PromptPreview:    truncatePreview(sc.Prompt),
		ResponsePreview:  truncatePreview(finalText),
	})
	p.telemetry.TrackCostLedger(telemetry.CostLedgerRow{
		RunID:            sc.RunID,
		Step:             sc.Step,
		TeamID:           sc.Identity.TeamID,
		Model:            sc.Routing.ResolvedModel,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		CumulativeCost:   newCumulativeCost,
	})
	if p.dashboard != nil {
		p.dashboard.Ship(telemetry.DashboardRow{
			RunID:  sc.RunID,
			Step:   sc.Step,
			Model:  sc.Routing.ResolvedModel,
			Cost:   cost,
			Status: string(sc.Run.Status),
		})
	}

	return &StepOutcome{
		ResponseText:     finalText,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		CumulativeCost:   newCumulativeCost,
		CumulativeSteps:  sc.Run.StepCount,
		ProviderName:     sc.Routing.Provider,
	}, rejection
}

// Envelope implements the Logged → Done augmentation: the AgentWall
// response fields merged onto the upstream response.
func (p *Pipeline) Envelope(sc *StepContext, outcome *StepOutcome, overheadMs int64) map[string]interface{} {
	env := map[string]interface{}{
		"run_id":           sc.RunID,
		"step":             sc.Step,
		"overhead_ms":      overheadMs,
		"cost_usd":         outcome.Cost.String(),
		"total_run_cost":   outcome.CumulativeCost.String(),
		"total_run_steps":  outcome.CumulativeSteps,
		"provider":         outcome.ProviderName,
	}
	if sc.Warning != "" {
		env["warning"] = sc.Warning
	}
	return env
}

// EstimateTokens is a thin pass-through to the configured token
// counter, used when an upstream response carries no usage object.
func (p *Pipeline) EstimateTokens(text string) int64 {
	return int64(p.tokens.EstimateTokens(text))
}

func truncatePreview(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max]
}
