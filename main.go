package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/alfred-dev/gatekeep/batch"
	"github.com/alfred-dev/gatekeep/completion"
	"github.com/alfred-dev/gatekeep/config"
	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/httpapi"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/logger"
	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/observability"
	"github.com/alfred-dev/gatekeep/pricing"
	"github.com/alfred-dev/gatekeep/provider"
	"github.com/alfred-dev/gatekeep/ratelimit"
	"github.com/alfred-dev/gatekeep/redisclient"
	"github.com/alfred-dev/gatekeep/rerank"
	"github.com/alfred-dev/gatekeep/storage"
	"github.com/alfred-dev/gatekeep/stream"
	"github.com/alfred-dev/gatekeep/usage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gatekeep gateway starting")

	var rc *redisclient.Client
	if client, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed — rate limiting will run in-memory only")
	} else if err := client.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — rate limiting will run in-memory only")
	} else {
		rc = client
		log.Info().Msg("redis connected")
	}

	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	deployments, err := loadbalancer.NewRegistry(log, cfg.DeploymentsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load deployment registry")
	}
	stats := loadbalancer.NewStatsTracker()
	balancer := loadbalancer.NewBalancer(loadbalancer.StrategyLatencyAware, stats)

	breakers := health.NewRegistry(health.BreakerConfig{
		FailureThreshold: cfg.CBFailureThreshold,
		MinRequests:      cfg.CBMinRequests,
		Window:           cfg.CBWindow,
		Cooldown:         cfg.CBCooldown,
		SuccessThreshold: cfg.CBSuccessThreshold,
	})

	monitor := health.NewMonitor(log, 30*time.Second, func() []health.Target {
		deps := deployments.Snapshot()
		targets := make([]health.Target, 0, len(deps))
		for _, dep := range deps {
			dep := dep
			prov, ok := registry.Get(dep.Provider)
			if !ok {
				continue
			}
			targets = append(targets, health.Target{
				ID: dep.ID,
				Check: func(ctx context.Context) error {
					status := prov.HealthCheck(ctx)
					if !status.Healthy {
						return statusError(status.Error)
					}
					return nil
				},
			})
		}
		return targets
	})
	monitor.OnChange(func(id string, status health.Status) {
		if status.Healthy {
			log.Info().Str("deployment", id).Msg("deployment recovered")
		} else {
			log.Error().Str("deployment", id).Str("error", status.Error).Msg("deployment degraded")
		}
	})
	monitor.Start()

	pricingTable := pricing.NewTable(log, cfg.PricingFile)
	done := make(chan struct{})
	go pricingTable.RunRefreshLoop(done, cfg.PricingRefresh)

	router := completion.NewRouter(log, deployments, balancer, stats, breakers, monitor, registry, 2)
	bridge := stream.NewBridge(log, router)
	batchExec := batch.NewExecutor(router, cfg.BatchMaxConcurrency, cfg.BatchItemTimeout)

	var limiter *ratelimit.Limiter
	if rc != nil {
		limiter = ratelimit.New(log, rc)
	} else {
		limiter = ratelimit.New(log, nil)
	}

	metrics := observability.NewMetrics(log)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracerProvider := observability.NewTracerProvider(observability.NewLogSpanExporter(log), cfg.TraceSampleRate)
	otel.SetTracerProvider(tracerProvider)

	var writer usage.Writer
	var store *storage.Store
	if cfg.DatabaseURL != "" {
		s, err := storage.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres connection failed — usage records will not be persisted")
		} else if err := s.Migrate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("usage schema migration failed — usage records will not be persisted")
			s.Close()
		} else {
			store = s
			writer = s
			log.Info().Msg("usage storage connected")
		}
	}
	recorder := usage.NewRecorder(log, pricingTable, writer, metrics.Registerer(), 256)
	reranker := newRerankService(cfg, log)

	deps := &httpapi.Deps{
		Logger:      log,
		Config:      cfg,
		Deployments: deployments,
		Balancer:    balancer,
		Stats:       stats,
		Breakers:    breakers,
		Monitor:     monitor,
		Providers:   registry,
		Pricing:     pricingTable,
		Router:      router,
		Bridge:      bridge,
		Batches:     batchExec,
		Usage:       recorder,
		Limiter:     limiter,
		Metrics:     metrics,
		Tracer:      tracerProvider,
		Dedup:       middleware.NewDeduplicator(),
		Reranker:    reranker,
	}

	handler := httpapi.NewRouter(deps)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-sigCh
	log.Info().Msg("shutdown signal received")

	close(done)
	monitor.Stop()
	recorder.Close()
	if err := tracerProvider.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("tracer provider shutdown failed")
	}
	if store != nil {
		store.Close()
	}
	if rc != nil {
		_ = rc.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

type statusError string

func (e statusError) Error() string { return string(e) }

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name: "openai", APIKey: key, Timeout: cfg.ProviderTimeout("openai"),
		}))
		log.Info().Msg("registered openai provider")
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.Register(provider.NewAnthropicProvider(provider.ProviderConfig{
			Name: "anthropic", APIKey: key, Timeout: cfg.ProviderTimeout("anthropic"),
		}))
		log.Info().Msg("registered anthropic provider")
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		registry.Register(provider.NewGeminiProvider(provider.ProviderConfig{
			Name: "google", APIKey: key, Timeout: cfg.ProviderTimeout("google"),
		}))
		log.Info().Msg("registered google gemini provider")
	}

	if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		if key := os.Getenv("AZURE_OPENAI_KEY"); key != "" {
			registry.Register(provider.NewOpenAICompatAdapter("azure", provider.ProviderConfig{
				Name: "azure", BaseURL: endpoint, APIKey: key, Timeout: cfg.ProviderTimeout("azure"),
			}))
			log.Info().Msg("registered azure openai provider")
		}
	}

	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAICompatAdapter("mistral", provider.ProviderConfig{
			Name: "mistral", APIKey: key, Timeout: cfg.ProviderTimeout("mistral"),
		}))
		log.Info().Msg("registered mistral provider")
	}

	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAICompatAdapter("together", provider.ProviderConfig{
			Name: "together", APIKey: key,
		}))
		log.Info().Msg("registered together ai provider")
	}

	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAICompatAdapter("groq", provider.ProviderConfig{
			Name: "groq", APIKey: key, Timeout: cfg.ProviderTimeout("groq"),
		}))
		log.Info().Msg("registered groq provider")
	}

	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAICompatAdapter("deepseek", provider.ProviderConfig{
			Name: "deepseek", APIKey: key,
		}))
		log.Info().Msg("registered deepseek provider")
	}

	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		registry.Register(provider.NewCohereProvider(provider.ProviderConfig{
			Name: "cohere", APIKey: key, Timeout: cfg.ProviderTimeout("cohere"),
		}))
		log.Info().Msg("registered cohere provider")
	}

	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
		if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
			region := os.Getenv("AWS_REGION")
			if region == "" {
				region = "us-east-1"
			}
			registry.Register(provider.NewBedrockProvider(provider.BedrockConfig{
				ProviderConfig: provider.ProviderConfig{Name: "bedrock", Timeout: cfg.ProviderTimeout("bedrock")},
				Region:         region,
				AccessKey:      accessKey,
				SecretKey:      secretKey,
			}))
			log.Info().Str("region", region).Msg("registered aws bedrock provider")
		}
	}

	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		registry.Register(provider.NewOpenAICompatAdapter("ollama", provider.ProviderConfig{
			Name: "ollama", BaseURL: baseURL,
		}))
		log.Info().Str("url", baseURL).Msg("registered ollama provider")
	}

	if baseURL := os.Getenv("VLLM_BASE_URL"); baseURL != "" {
		registry.Register(provider.NewOpenAICompatAdapter("vllm", provider.ProviderConfig{
			Name: "vllm", BaseURL: baseURL,
		}))
		log.Info().Str("url", baseURL).Msg("registered vllm provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}

// newRerankService builds the rerank service when at least one rerank
// provider is configured, reusing COHERE_API_KEY since Cohere serves
// both chat and rerank off the same credential. Returns nil (not an
// empty Service) so httpapi.Deps.Reranker being nil is the signal the
// /v1/rerank handler uses to report the endpoint as unconfigured.
func newRerankService(cfg *config.Config, log zerolog.Logger) *rerank.Service {
	registry := rerank.NewRegistry()

	if key := os.Getenv("COHERE_API_KEY"); key != "" {
		registry.Register(rerank.NewCohereProvider(rerank.CohereConfig{
			APIKey:  key,
			Timeout: cfg.RerankTimeout,
		}))
		log.Info().Msg("registered cohere rerank provider")
	}

	if len(registry.Names()) == 0 {
		return nil
	}
	return rerank.NewService(log, registry, "cohere", cfg.RerankTimeout, cfg.RerankCacheTTL, cfg.RerankCacheMaxSize)
}
