/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway router with middleware chain:
             CORS → Security Headers → Request ID → Recoverer →
             Process Time → Request Logger → Body Size Limit →
             (per /v1 route) Auth → Rate Limit → Header Normalization →
             Timeout → Concurrency Guard.
             Routes: /v1/chat/completions, /v1/embeddings, /v1/models,
             /v1/providers/health, /health/live, /health/ready,
             /metrics.
Root Cause:  Sprint tasks T011-T024 — gateway core, now serving the
             AgentWall governance pipeline (C9) instead of a bare
             pass-through proxy.
Context:     Router design affects all downstream handlers; this is
             the single place request governance (the pipeline) is
             wired to the HTTP surface.
Suitability: L3 model for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/doctorcmptrmita2/agentwall/config"
	"github.com/doctorcmptrmita2/agentwall/handler"
	gwmw "github.com/doctorcmptrmita2/agentwall/middleware"
	"github.com/doctorcmptrmita2/agentwall/observability"
	"github.com/doctorcmptrmita2/agentwall/pipeline"
	"github.com/doctorcmptrmita2/agentwall/provider"
	"github.com/doctorcmptrmita2/agentwall/runstate"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and the AgentWall API routes mounted. metrics may be nil to
// disable the /metrics endpoint (e.g. in tests).
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, registry *provider.Registry, pipe *pipeline.Pipeline, runs runstate.Store, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwProcessTime)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, "alive", "")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := runs.Ping(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, "degraded", err.Error())
			return
		}
		writeHealth(w, http.StatusOK, "ready", "")
	})
	// Legacy aliases kept for operators already probing these paths.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeHealth(w, http.StatusOK, "ok", "") })
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) { writeHealth(w, http.StatusOK, "ready", "") })

	r.Get("/openapi.json", handler.OpenAPIHandler())
	r.Get("/docs", handler.SwaggerUIHandler())
	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// --- API routes (auth + rate limiting required) ---
	proxyHandler := handler.NewProxyHandler(appLogger, registry, pipe, metrics)
	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg, registry)
	concurrencyGuard := gwmw.NewConcurrencyGuard(cfg.MaxConcurrentPerOrg, cfg.ConcurrencyTimeout, appLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)
		r.Use(concurrencyGuard.Middleware)

		r.Post("/chat/completions", proxyHandler.ChatCompletions)
		r.Post("/embeddings", proxyHandler.Embeddings)
		r.Get("/models", proxyHandler.Models)
		r.Get("/providers/health", proxyHandler.ProviderHealth)
	})

	return r
}

func writeHealth(w http.ResponseWriter, status int, state, errText string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := `{"status":"` + state + `","service":"agentwall-gateway"`
	if errText != "" {
		body += `,"error":"` + errText + `"`
	}
	body += `}`
	_, _ = w.Write([]byte(body))
}

// processTimeWriter wraps an http.ResponseWriter to inject
// X-Process-Time before the first byte goes out, on every response
// including streamed ones — this header must be present on every
// route, not just /v1, so it is set ahead of the logger wrapper.
type processTimeWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (p *processTimeWriter) WriteHeader(status int) {
	if !p.wroteHeader {
		p.wroteHeader = true
		p.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(p.start).Seconds()))
	}
	p.ResponseWriter.WriteHeader(status)
}

func (p *processTimeWriter) Write(b []byte) (int, error) {
	if !p.wroteHeader {
		p.WriteHeader(http.StatusOK)
	}
	return p.ResponseWriter.Write(b)
}

func (p *processTimeWriter) Flush() {
	if f, ok := p.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// mwProcessTime records wall-clock handler time in X-Process-Time,
// required on every response per the gateway's observability contract.
func mwProcessTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pw := &processTimeWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(pw, r)
	})
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
