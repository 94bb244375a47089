/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Router tests updated to match NewRouter(cfg, log, registry,
             pipe, runs, metrics) and the current route set.
Root Cause:  Gateway restructuring changed NewRouter parameters to wire
             in the governance pipeline (C9) and run-state store.
Context:     Tests must pass with the full middleware chain and a
             stubbed pipeline/run-state store.
Suitability: L2 model for standard test updates.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/doctorcmptrmita2/agentwall/budget"
	"github.com/doctorcmptrmita2/agentwall/config"
	"github.com/doctorcmptrmita2/agentwall/costtable"
	"github.com/doctorcmptrmita2/agentwall/dlp"
	"github.com/doctorcmptrmita2/agentwall/identity"
	"github.com/doctorcmptrmita2/agentwall/loopdetect"
	"github.com/doctorcmptrmita2/agentwall/pipeline"
	"github.com/doctorcmptrmita2/agentwall/provider"
	"github.com/doctorcmptrmita2/agentwall/runstate"
	"github.com/doctorcmptrmita2/agentwall/telemetry"
)

func testSetup() (http.Handler, *provider.Registry) {
	cfg := &config.Config{
		Addr:                ":0",
		Env:                 "test",
		RateLimitEnabled:    false,
		APIKeyHeader:        "Authorization",
		MaxBodyBytes:        1 << 20,
		MaxConcurrentPerOrg: 50,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	reg := provider.NewRegistry()
	runs := runstate.NewMemoryStore()

	tel := telemetry.NewPipeline(log, telemetry.NewLogSink(log))
	pipe := pipeline.New(
		log,
		pipeline.DefaultConfig(),
		identity.NewOpaqueResolver(),
		runs,
		dlp.New(),
		loopdetect.New(),
		costtable.New(),
		budget.NewSpendTracker(),
		reg,
		tel,
		nil,
	)

	r := NewRouter(cfg, log, reg, pipe, runs, nil)
	return r, reg
}

func TestHealthEndpoints(t *testing.T) {
	r, _ := testSetup()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"health_live", "/health/live", http.StatusOK},
		{"health_ready", "/health/ready", http.StatusOK},
		{"healthz_alias", "/healthz", http.StatusOK},
		{"ready_alias", "/ready", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedRouteReturns401(t *testing.T) {
	r, _ := testSetup()

	// /v1 routes require auth — request without Authorization header should get 401
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /v1/models, got %d", rw.Result().StatusCode)
	}
}

func TestAuthenticatedModelsRouteSucceeds(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-test-key")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for authenticated /v1/models, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}

func TestMetricsEndpointAbsentWithoutMetrics(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for /metrics when no metrics registry is wired, got %d", rw.Result().StatusCode)
	}
}
