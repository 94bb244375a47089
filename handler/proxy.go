/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       HTTP proxy handler implementing POST /v1/chat/completions
             (non-streaming and SSE streaming), POST /v1/embeddings, and
             GET /v1/models and /v1/providers/health. Every chat
             completion now flows through the governance pipeline
             (identity, admission, DLP, loop detection, routing, budget,
             telemetry) instead of a bare pass-through to the provider.
Root Cause:  Sprint tasks T014-T016, T022, T024, plus T070 (wiring the
             request pipeline, AgentWall governance core C9, into the
             HTTP surface).
Context:     Core product endpoint — all agent traffic flows through
             this handler. Governance decisions are made by
             pipeline.Pipeline; this file's job is translating its
             Rejection/StepOutcome values to and from the wire.
Suitability: L4 model for the integration of SSE streaming, governance
             admission, and proxy logic in one handler.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/doctorcmptrmita2/agentwall/observability"
	"github.com/doctorcmptrmita2/agentwall/pipeline"
	"github.com/doctorcmptrmita2/agentwall/provider"
)

// ProxyHandler handles AI API proxy requests, governed by the
// AgentWall request pipeline.
type ProxyHandler struct {
	logger   zerolog.Logger
	registry *provider.Registry
	pipe     *pipeline.Pipeline
	metrics  *observability.Metrics // nil disables metrics, never nil in production wiring
}

// NewProxyHandler creates a new proxy handler. metrics may be nil, in
// which case metric recording is skipped (used by tests that don't
// need a /metrics endpoint).
func NewProxyHandler(logger zerolog.Logger, registry *provider.Registry, pipe *pipeline.Pipeline, metrics *observability.Metrics) *ProxyHandler {
	return &ProxyHandler{
		logger:   logger,
		registry: registry,
		pipe:     pipe,
		metrics:  metrics,
	}
}

// trackRejection bumps the governance-decision counter matching a
// Rejection's reason, so kill-rate spikes show up on the same
// dashboards as error-rate spikes.
func (h *ProxyHandler) trackRejection(rej *pipeline.Rejection) {
	if h.metrics == nil || rej == nil {
		return
	}
	switch {
	case rej.ErrorType == "dlp-blocked":
		h.metrics.TrackDLPAction("pre_scan", "blocked", "prompt")
	case rej.LoopType != "":
		h.metrics.TrackLoopKill(rej.LoopType)
	case rej.BudgetScope != "":
		h.metrics.TrackBudgetKill(rej.BudgetScope)
	}
}

// wireErrorType translates a Rejection's internal ErrorType/LoopType/
// BudgetScope into the external error taxonomy and a stable machine
// code, so clients never see agentwall's internal reason strings.
func wireErrorType(rej *pipeline.Rejection) (errType, code string) {
	switch rej.ErrorType {
	case "run-limit":
		switch {
		case rej.LoopType != "":
			return "loop_detected", "agentwall_limit"
		case rej.BudgetScope != "":
			return "budget_exceeded", "agentwall_limit"
		default:
			return "run_limit_exceeded", "agentwall_limit"
		}
	case "dlp-blocked":
		return "invalid_request_error", "dlp_blocked"
	case "auth":
		return "invalid_request_error", "authentication_error"
	case "internal":
		return "internal_error", "internal_error"
	default:
		return "internal_error", "internal_error"
	}
}

// ChatCompletions handles POST /v1/chat/completions. The request body
// is read once and decoded twice: into provider.ChatRequest (the
// OpenAI-compatible shape upstream receives) and into
// pipeline.EnvelopeFields (the agentwall_* fields the pipeline reads
// for its own bookkeeping, which provider.ChatRequest has no fields
// for and therefore never forwards).
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "failed to read request body: "+err.Error())
		return
	}

	var req provider.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "model field is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "messages field is required and must not be empty")
		return
	}
	if len(req.Tools) > 0 {
		if err := provider.ValidateToolDefinitions(req.Tools); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_tools", err.Error())
			return
		}
	}

	envelope := pipeline.ExtractEnvelope(body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	sc, rej := h.pipe.Admit(r.Context(), r, envelope, req.Model)
	if rej != nil {
		h.trackRejection(rej)
		h.writeRejection(w, sc, rej)
		return
	}

	prompt := pipeline.PromptText(req.Messages)
	if rej := h.pipe.PreScan(r.Context(), sc, prompt); rej != nil {
		h.trackRejection(rej)
		h.writeRejection(w, sc, rej)
		return
	}

	prov, err := h.pipe.Route(sc)
	if err != nil {
		h.writeErrorSC(w, sc, http.StatusBadGateway, "upstream_error", "provider_not_found", err.Error())
		return
	}

	h.logger.Info().
		Str("run_id", sc.RunID).
		Int("step", sc.Step).
		Str("model", req.Model).
		Str("provider", prov.Name()).
		Bool("stream", req.Stream).
		Msg("admitted chat completion")

	if req.Stream {
		h.handleStreamingChat(w, r, sc, prov, &req, start)
		return
	}
	h.handleNonStreamingChat(w, r, sc, prov, &req, start)
}

// handleNonStreamingChat performs the upstream call, runs the
// post-scan (DLP, loop, budget, telemetry), and merges the governance
// envelope onto the upstream JSON response.
func (h *ProxyHandler) handleNonStreamingChat(w http.ResponseWriter, r *http.Request, sc *pipeline.StepContext, prov provider.Provider, req *provider.ChatRequest, start time.Time) {
	upstreamStart := time.Now()
	resp, err := prov.ChatCompletion(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", sc.RunID).Str("provider", prov.Name()).Str("model", req.Model).Msg("provider error")
		h.writeUpstreamError(w, sc, err)
		return
	}
	latencyMs := time.Since(upstreamStart).Milliseconds()

	responseText := ""
	if len(resp.Choices) > 0 {
		if s, ok := resp.Choices[0].Message.Content.(string); ok {
			responseText = s
		}
	}
	promptTokens := int64(resp.Usage.PromptTokens)
	completionTokens := int64(resp.Usage.CompletionTokens)
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = h.pipe.EstimateTokens(sc.Prompt)
		completionTokens = h.pipe.EstimateTokens(responseText)
	}

	proxyOverheadMs := time.Since(start).Milliseconds() - latencyMs
	outcome, rej := h.pipe.PostScan(r.Context(), sc, responseText, promptTokens, completionTokens, latencyMs, proxyOverheadMs, http.StatusOK)
	if outcome != nil && outcome.ResponseText != responseText && len(resp.Choices) > 0 {
		resp.Choices[0].Message.Content = outcome.ResponseText
	}
	h.trackRejection(rej)
	if h.metrics != nil {
		h.metrics.TrackRequest(prov.Name(), req.Model, "chat.completions", http.StatusOK, float64(time.Since(start).Milliseconds()), promptTokens+completionTokens)
		if outcome != nil {
			cost, _ := outcome.Cost.Float64()
			h.metrics.TrackRunCost(prov.Name(), req.Model, cost)
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal upstream response")
		h.writeErrorSC(w, sc, http.StatusInternalServerError, "internal_error", "internal_error", "failed to encode response")
		return
	}
	merged := mergeEnvelope(raw, h.pipe.Envelope(sc, outcome, proxyOverheadMs))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-AgentWall-Run-ID", sc.RunID)
	w.Header().Set("X-AgentWall-Step", fmt.Sprintf("%d", sc.Step))
	if outcome != nil {
		w.Header().Set("X-AgentWall-Cost", outcome.Cost.String())
	}
	if rej != nil {
		w.Header().Set("X-AgentWall-Warning", rej.Reason)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(merged); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response")
	}

	h.logger.Info().
		Str("run_id", sc.RunID).
		Str("provider", prov.Name()).
		Str("model", req.Model).
		Int64("prompt_tokens", promptTokens).
		Int64("completion_tokens", completionTokens).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion success")
}

// handleStreamingChat opens the upstream SSE stream, tracks
// disconnect-aware metrics, and runs the pipeline's post-scan once the
// stream ends (cleanly or via client disconnect) using the
// accumulated text for DLP/loop scanning and an estimated token count
// for billing when no usage frame was observed.
func (h *ProxyHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, sc *pipeline.StepContext, prov provider.Provider, req *provider.ChatRequest, start time.Time) {
	result, accumulated := h.DisconnectAwareStreamHandler(w, r, sc, prov, req, start)
	if result == nil {
		return
	}

	upstreamLatencyMs := result.Metrics.TotalDuration.Milliseconds()
	completionTokens := int64(result.Metrics.TokensEstimated)
	promptTokens := h.pipe.EstimateTokens(sc.Prompt)
	proxyOverheadMs := time.Since(start).Milliseconds() - upstreamLatencyMs
	statusCode := http.StatusOK
	if !result.Finished {
		statusCode = 0 // disconnected mid-stream; nothing more to report to a closed connection
	}

	outcome, rej := h.pipe.PostScan(r.Context(), sc, accumulated.String(), promptTokens, completionTokens, upstreamLatencyMs, proxyOverheadMs, statusCode)
	h.trackRejection(rej)
	if rej != nil {
		h.logger.Warn().Str("run_id", sc.RunID).Str("reason", rej.Reason).Msg("run killed at end of stream")
	}
	if h.metrics != nil {
		h.metrics.TrackRequest(prov.Name(), req.Model, "chat.completions.stream", statusCode, float64(time.Since(start).Milliseconds()), promptTokens+completionTokens)
		if outcome != nil {
			cost, _ := outcome.Cost.Float64()
			h.metrics.TrackRunCost(prov.Name(), req.Model, cost)
		}
	}
}

// writeRejection writes a pipeline.Rejection to the wire using the
// external error taxonomy, attaching run_id/step when sc is known and
// loop_type/confidence when the kill was loop-driven.
func (h *ProxyHandler) writeRejection(w http.ResponseWriter, sc *pipeline.StepContext, rej *pipeline.Rejection) {
	errType, code := wireErrorType(rej)
	errBody := map[string]interface{}{
		"message": rej.Reason,
		"type":    errType,
		"code":    code,
	}
	if sc != nil {
		errBody["run_id"] = sc.RunID
		errBody["step"] = sc.Step
	}
	if rej.LoopType != "" {
		errBody["loop_type"] = rej.LoopType
		errBody["confidence"] = rej.Confidence
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": errBody})
}

// mergeEnvelope shallow-merges the pipeline's envelope fields under an
// "agentwall" key into the raw upstream JSON response.
func mergeEnvelope(raw []byte, envelope map[string]interface{}) []byte {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	obj["agentwall"] = envelope
	merged, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return merged
}

// Embeddings handles POST /v1/embeddings. Embeddings calls are not
// agent "steps" in the governance sense (no conversational loop to
// detect, no assistant text to scan) so they bypass the pipeline and
// go straight to the routed provider, matching §1's scope: the core
// governs chat-completions run steps.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "model field is required")
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "provider_not_found", err.Error())
		return
	}

	resp, err := prov.Embeddings(r.Context(), &req)
	if err != nil {
		h.writeUpstreamError(w, nil, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-AgentWall-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.List()
	models := make([]map[string]interface{}, 0)

	for _, name := range providers {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"provider": name,
				"owned_by": name,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		if h.metrics != nil {
			h.metrics.TrackProviderHealth(name, status.Healthy)
		}
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeUpstreamError preserves a provider's 4xx status (client-caused,
// e.g. bad request, rate limit) and collapses everything else —
// network failures, 5xx, malformed responses — to a 502 so a flaky
// provider never looks like an agentwall-side outage to the caller.
func (h *ProxyHandler) writeUpstreamError(w http.ResponseWriter, sc *pipeline.StepContext, err error) {
	var upstreamErr *provider.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode < 500 {
		h.writeErrorSC(w, sc, upstreamErr.StatusCode, "upstream_error", "provider_error", err.Error())
		return
	}
	h.writeErrorSC(w, sc, http.StatusBadGateway, "upstream_error", "provider_error", "upstream provider error: "+err.Error())
}

// writeError writes a wire-format error with no known run context.
// errType must be one of the external taxonomy values (run_limit_exceeded,
// loop_detected, budget_exceeded, upstream_error, invalid_request_error,
// internal_error); code is a stable machine-readable sub-code.
func (h *ProxyHandler) writeError(w http.ResponseWriter, status int, errType, code, message string) {
	h.writeErrorSC(w, nil, status, errType, code, message)
}

// writeErrorSC is writeError with a known StepContext, attaching
// run_id/step to the error body when available.
func (h *ProxyHandler) writeErrorSC(w http.ResponseWriter, sc *pipeline.StepContext, status int, errType, code, message string) {
	errBody := map[string]interface{}{
		"type":    errType,
		"code":    code,
		"message": message,
	}
	if sc != nil {
		errBody["run_id"] = sc.RunID
		errBody["step"] = sc.Step
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": errBody,
	})
}
