/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Unit tests for the wire-facing error translation in
             proxy.go: wireErrorType's mapping table, writeRejection/
             writeErrorSC's JSON body shape, and writeUpstreamError's
             preserved-4xx vs. collapsed-502 behavior.
Root Cause:  Code review flagged handler/ as untested — error
             taxonomy translation shipped with zero coverage.
Context:     These are pure/near-pure functions operating on
             ResponseRecorder and pipeline.Rejection values, so no
             live provider or pipeline wiring is needed.
Suitability: L2 model for standard table-driven HTTP handler tests.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/doctorcmptrmita2/agentwall/pipeline"
	"github.com/doctorcmptrmita2/agentwall/provider"
)

func testHandler() *ProxyHandler {
	log := zerolog.New(io.Discard)
	return NewProxyHandler(log, provider.NewRegistry(), nil, nil)
}

func TestWireErrorTypeTranslation(t *testing.T) {
	tests := []struct {
		name     string
		rej      *pipeline.Rejection
		wantType string
		wantCode string
	}{
		{
			name:     "plain run limit",
			rej:      &pipeline.Rejection{ErrorType: "run-limit", Reason: "killed: step_limit_exceeded"},
			wantType: "run_limit_exceeded",
			wantCode: "agentwall_limit",
		},
		{
			name:     "loop-driven run limit",
			rej:      &pipeline.Rejection{ErrorType: "run-limit", LoopType: "exact_repeat", Confidence: 0.97},
			wantType: "loop_detected",
			wantCode: "agentwall_limit",
		},
		{
			name:     "budget-driven run limit",
			rej:      &pipeline.Rejection{ErrorType: "run-limit", BudgetScope: "per_run"},
			wantType: "budget_exceeded",
			wantCode: "agentwall_limit",
		},
		{
			name:     "dlp blocked",
			rej:      &pipeline.Rejection{ErrorType: "dlp-blocked"},
			wantType: "invalid_request_error",
			wantCode: "dlp_blocked",
		},
		{
			name:     "auth failure",
			rej:      &pipeline.Rejection{ErrorType: "auth"},
			wantType: "invalid_request_error",
			wantCode: "authentication_error",
		},
		{
			name:     "internal failure",
			rej:      &pipeline.Rejection{ErrorType: "internal"},
			wantType: "internal_error",
			wantCode: "internal_error",
		},
		{
			name:     "unrecognized error type defaults to internal",
			rej:      &pipeline.Rejection{ErrorType: "something-new"},
			wantType: "internal_error",
			wantCode: "internal_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotType, gotCode := wireErrorType(tc.rej)
			if gotType != tc.wantType {
				t.Errorf("errType = %q, want %q", gotType, tc.wantType)
			}
			if gotCode != tc.wantCode {
				t.Errorf("code = %q, want %q", gotCode, tc.wantCode)
			}
		})
	}
}

func TestWriteRejectionBodyShape(t *testing.T) {
	h := testHandler()

	t.Run("loop kill carries run_id/step/loop_type/confidence", func(t *testing.T) {
		sc := &pipeline.StepContext{RunID: "run-1", Step: 4}
		rej := &pipeline.Rejection{
			Status:     http.StatusTooManyRequests,
			ErrorType:  "run-limit",
			Reason:     "killed: loop_detected",
			LoopType:   "exact_repeat",
			Confidence: 0.97,
		}

		rw := httptest.NewRecorder()
		h.writeRejection(rw, sc, rej)

		if rw.Code != http.StatusTooManyRequests {
			t.Fatalf("expected status 429, got %d", rw.Code)
		}
		var body map[string]map[string]interface{}
		if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode response body: %v", err)
		}
		errBody := body["error"]
		if errBody["type"] != "loop_detected" {
			t.Errorf("expected type loop_detected, got %+v", errBody)
		}
		if errBody["code"] != "agentwall_limit" {
			t.Errorf("expected code agentwall_limit, got %+v", errBody)
		}
		if errBody["run_id"] != "run-1" {
			t.Errorf("expected run_id run-1, got %+v", errBody)
		}
		if errBody["step"].(float64) != 4 {
			t.Errorf("expected step 4, got %+v", errBody)
		}
		if errBody["loop_type"] != "exact_repeat" {
			t.Errorf("expected loop_type exact_repeat, got %+v", errBody)
		}
		if errBody["confidence"].(float64) != 0.97 {
			t.Errorf("expected confidence 0.97, got %+v", errBody)
		}
	})

	t.Run("nil StepContext omits run_id/step", func(t *testing.T) {
		rej := &pipeline.Rejection{Status: http.StatusUnauthorized, ErrorType: "auth", Reason: "identity resolution failed"}

		rw := httptest.NewRecorder()
		h.writeRejection(rw, nil, rej)

		var body map[string]map[string]interface{}
		if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode response body: %v", err)
		}
		errBody := body["error"]
		if _, ok := errBody["run_id"]; ok {
			t.Errorf("expected no run_id with a nil StepContext, got %+v", errBody)
		}
		if _, ok := errBody["loop_type"]; ok {
			t.Errorf("expected no loop_type on a non-loop rejection, got %+v", errBody)
		}
	})
}

func TestWriteErrorSCBodyShape(t *testing.T) {
	h := testHandler()
	sc := &pipeline.StepContext{RunID: "run-9", Step: 1}

	rw := httptest.NewRecorder()
	h.writeErrorSC(rw, sc, http.StatusBadGateway, "upstream_error", "provider_not_found", "no provider configured for model")

	if rw.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rw.Code)
	}
	var body map[string]map[string]interface{}
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	errBody := body["error"]
	if errBody["type"] != "upstream_error" || errBody["code"] != "provider_not_found" {
		t.Errorf("unexpected error body: %+v", errBody)
	}
	if errBody["run_id"] != "run-9" {
		t.Errorf("expected run_id run-9, got %+v", errBody)
	}
}

func TestWriteUpstreamErrorPreservesClientStatus(t *testing.T) {
	h := testHandler()

	t.Run("4xx from provider is preserved", func(t *testing.T) {
		err := &provider.UpstreamError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Body: "rate limited"}

		rw := httptest.NewRecorder()
		h.writeUpstreamError(rw, nil, err)

		if rw.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429 preserved from upstream, got %d", rw.Code)
		}
	})

	t.Run("5xx from provider collapses to 502", func(t *testing.T) {
		err := &provider.UpstreamError{Provider: "openai", StatusCode: http.StatusInternalServerError, Body: "boom"}

		rw := httptest.NewRecorder()
		h.writeUpstreamError(rw, nil, err)

		if rw.Code != http.StatusBadGateway {
			t.Fatalf("expected 5xx collapsed to 502, got %d", rw.Code)
		}
	})

	t.Run("network failure with no status collapses to 502", func(t *testing.T) {
		err := errors.New("connection reset by peer")

		rw := httptest.NewRecorder()
		h.writeUpstreamError(rw, nil, err)

		if rw.Code != http.StatusBadGateway {
			t.Fatalf("expected network failure collapsed to 502, got %d", rw.Code)
		}
	})

	t.Run("%w-wrapped UpstreamError is still unwrapped via errors.As", func(t *testing.T) {
		inner := &provider.UpstreamError{Provider: "groq", StatusCode: http.StatusBadRequest, Body: "bad request"}
		wrapped := fmt.Errorf("calling groq: %w", inner)

		rw := httptest.NewRecorder()
		h.writeUpstreamError(rw, nil, wrapped)
		if rw.Code != http.StatusBadRequest {
			t.Fatalf("expected the wrapped 4xx status to be preserved, got %d", rw.Code)
		}
	})
}
