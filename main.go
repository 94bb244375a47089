/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway entry point with graceful shutdown, provider
             registration, Redis connectivity (with degraded in-memory
             fallback), and the full AgentWall governance core wiring:
             cost table, DLP scanner, loop detector, run-state store,
             budget gate, identity resolver, telemetry pipeline, and
             the request pipeline that ties them together.
Root Cause:  Sprint task T011 — HTTP server with graceful shutdown,
             now coordinating the governance core (C1-C9) alongside
             the original gateway subsystems.
Context:     Entry point wiring config → logger → Redis/run-state →
             governance components → pipeline → router → HTTP server
             with OS signal handling.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/doctorcmptrmita2/agentwall/budget"
	"github.com/doctorcmptrmita2/agentwall/config"
	"github.com/doctorcmptrmita2/agentwall/costtable"
	"github.com/doctorcmptrmita2/agentwall/dlp"
	"github.com/doctorcmptrmita2/agentwall/identity"
	"github.com/doctorcmptrmita2/agentwall/logger"
	"github.com/doctorcmptrmita2/agentwall/loopdetect"
	"github.com/doctorcmptrmita2/agentwall/observability"
	"github.com/doctorcmptrmita2/agentwall/pipeline"
	"github.com/doctorcmptrmita2/agentwall/provider"
	"github.com/doctorcmptrmita2/agentwall/redisclient"
	"github.com/doctorcmptrmita2/agentwall/router"
	"github.com/doctorcmptrmita2/agentwall/runstate"
	"github.com/doctorcmptrmita2/agentwall/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("agentwall gateway starting")

	runs := buildRunStore(cfg, log)

	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	pipe, tel, dashboard := buildPipeline(cfg, log, runs, registry)
	metrics := observability.NewMetrics(log)

	r := router.NewRouter(cfg, log, registry, pipe, runs, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second, // extra buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		metrics.TrackProviderHealth(name, healthy)
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	modelSyncer := provider.NewModelSyncer(registry, log, 5*time.Minute)
	modelSyncer.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	modelSyncer.Stop()
	tel.Stop()
	if dashboard != nil {
		dashboard.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// buildRunStore wires the Redis-backed run-state store with a
// transparent degraded-memory fallback (§4.4): a Redis connection
// failure at startup never prevents the gateway from serving traffic,
// it only narrows governance to per-request limits until Redis is
// reachable again.
func buildRunStore(cfg *config.Config, log zerolog.Logger) runstate.Store {
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — run governance degraded to in-memory mode")
		return runstate.NewMemoryStore()
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — run governance degraded to in-memory mode")
	} else {
		log.Info().Msg("redis connected")
	}
	primary := runstate.NewRedisStore(rc)
	return runstate.NewFallbackStore(primary, func(err error) {
		log.Warn().Err(err).Msg("run-state store degraded to in-memory fallback for this operation")
	})
}

// buildPipeline wires C1-C8 and constructs the request pipeline (C9).
// It also returns the telemetry pipeline and dashboard shipper so the
// caller can drain and stop them on shutdown.
func buildPipeline(cfg *config.Config, log zerolog.Logger, runs runstate.Store, registry *provider.Registry) (*pipeline.Pipeline, *telemetry.Pipeline, *telemetry.DashboardShipper) {
	dlpEngine := dlp.New()
	loops := loopdetect.New()
	loops.SimilarityThreshold = cfg.LoopSimilarityThreshold
	costs := costtable.New()
	spend := budget.NewSpendTracker()
	resolver := identity.NewOpaqueResolver()

	sink := buildTelemetrySink(cfg, log)
	tel := telemetry.NewPipeline(log, sink, telemetry.Config{
		BufferSize:    100000,
		BatchSize:     cfg.LogBatchSize,
		FlushInterval: cfg.LogFlushInterval,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		Workers:       2,
	})
	tel.Start(context.Background())

	var dashboard *telemetry.DashboardShipper
	if cfg.TelemetryEndpoint != "" {
		dashboard = telemetry.NewDashboardShipper(buildDashboardPost(cfg, log), log)
		dashboard.Start(context.Background(), 2)
	}

	pipeCfg := pipeline.Config{
		DLPMode:             dlp.Mode(cfg.DLPMode),
		LoopKillConfidence:  cfg.LoopKillConfidence,
		DefaultBudgetPolicy: buildBudgetPolicy(cfg),
		DefaultCeilings:     buildCeilings(cfg),
	}

	pipe := pipeline.New(log, pipeCfg, resolver, runs, dlpEngine, loops, costs, spend, registry, tel, dashboard)
	return pipe, tel, dashboard
}

func buildBudgetPolicy(cfg *config.Config) budget.Policy {
	return budget.Policy{
		PerRunLimit:     mustDecimal(cfg.BudgetPerRunLimit),
		DailyLimit:      mustDecimal(cfg.BudgetDailyLimit),
		MonthlyLimit:    mustDecimal(cfg.BudgetMonthlyLimit),
		AlertThreshold:  mustDecimal(cfg.BudgetAlertThreshold),
		AutoKillEnabled: cfg.BudgetAutoKillEnabled,
	}
}

func buildCeilings(cfg *config.Config) runstate.Ceilings {
	return runstate.Ceilings{
		MaxSteps:       cfg.RunMaxSteps,
		MaxBudget:      mustDecimal(cfg.RunMaxBudget),
		TimeoutSeconds: cfg.RunTimeoutSeconds,
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func buildTelemetrySink(cfg *config.Config, log zerolog.Logger) telemetry.Sink {
	switch cfg.TelemetrySink {
	case "http":
		if cfg.TelemetryEndpoint == "" {
			log.Warn().Msg("telemetry sink http requested with no endpoint configured — falling back to log sink")
			return telemetry.NewLogSink(log)
		}
		return telemetry.NewHTTPSink(cfg.TelemetryEndpoint, cfg.InternalSecret, log)
	case "columnar":
		sink, err := telemetry.NewColumnarSink(cfg.ColumnarDSN, log)
		if err != nil {
			log.Warn().Err(err).Msg("columnar telemetry sink init failed — falling back to log sink")
			return telemetry.NewLogSink(log)
		}
		return sink
	default:
		return telemetry.NewLogSink(log)
	}
}

func buildDashboardPost(cfg *config.Config, log zerolog.Logger) func(context.Context, telemetry.DashboardRow) error {
	client := &http.Client{Timeout: 5 * time.Second}
	endpoint := cfg.TelemetryEndpoint
	secret := cfg.InternalSecret
	return func(ctx context.Context, row telemetry.DashboardRow) error {
		body, err := json.Marshal(row)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Secret", secret)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("dashboard endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openai := provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("openai"),
		})
		registry.Register(openai)
		log.Info().Msg("registered openai provider")
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		anthropic := provider.NewAnthropicProvider(provider.ProviderConfig{
			Name:    "anthropic",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("anthropic"),
		})
		registry.Register(anthropic)
		log.Info().Msg("registered anthropic provider")
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		gemini := provider.NewGeminiProvider(provider.ProviderConfig{
			Name:    "google",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("google"),
		})
		registry.Register(gemini)
		log.Info().Msg("registered google gemini provider")
	}

	if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		if key := os.Getenv("AZURE_OPENAI_KEY"); key != "" {
			azure := provider.NewAzureOpenAIProvider(provider.ProviderConfig{
				Name:    "azure",
				BaseURL: endpoint,
				APIKey:  key,
				Timeout: cfg.ProviderTimeout("azure"),
			})
			registry.Register(azure)
			log.Info().Msg("registered azure openai provider")
		}
	}

	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		mistral := provider.NewMistralProvider(provider.ProviderConfig{
			Name:    "mistral",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("mistral"),
		})
		registry.Register(mistral)
		log.Info().Msg("registered mistral provider")
	}

	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		together := provider.NewTogetherProvider(provider.ProviderConfig{
			Name:    "together",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("together"),
		})
		registry.Register(together)
		log.Info().Msg("registered together ai provider")
	}

	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		groq := provider.NewGroqProvider(provider.ProviderConfig{
			Name:    "groq",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("groq"),
		})
		registry.Register(groq)
		log.Info().Msg("registered groq provider")
	}

	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		cohere := provider.NewCohereProvider(provider.ProviderConfig{
			Name:    "cohere",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("cohere"),
		})
		registry.Register(cohere)
		log.Info().Msg("registered cohere provider")
	}

	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
		if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
			region := os.Getenv("AWS_REGION")
			if region == "" {
				region = "us-east-1"
			}
			bedrock := provider.NewBedrockProvider(provider.BedrockConfig{
				ProviderConfig: provider.ProviderConfig{
					Name:    "bedrock",
					Timeout: cfg.ProviderTimeout("bedrock"),
				},
				Region:    region,
				AccessKey: accessKey,
				SecretKey: secretKey,
			})
			registry.Register(bedrock)
			log.Info().Str("region", region).Msg("registered aws bedrock provider")
		}
	}

	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		ollama := provider.NewOllamaProvider(provider.ProviderConfig{
			Name:    "ollama",
			BaseURL: baseURL,
			Timeout: cfg.ProviderTimeout("ollama"),
		})
		registry.Register(ollama)
		log.Info().Str("url", baseURL).Msg("registered ollama provider")
	}

	if baseURL := os.Getenv("VLLM_BASE_URL"); baseURL != "" {
		vllm := provider.NewVLLMProvider(provider.ProviderConfig{
			Name:    "vllm",
			BaseURL: baseURL,
			Timeout: cfg.ProviderTimeout("vllm"),
		})
		registry.Register(vllm)
		log.Info().Str("url", baseURL).Msg("registered vllm provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
