package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/stageflow/internal/api"
	"github.com/p-blackswan/stageflow/internal/collab"
	"github.com/p-blackswan/stageflow/internal/config"
	"github.com/p-blackswan/stageflow/internal/health"
	"github.com/p-blackswan/stageflow/internal/ledger"
	"github.com/p-blackswan/stageflow/internal/llm"
	"github.com/p-blackswan/stageflow/internal/metrics"
	"github.com/p-blackswan/stageflow/internal/notify"
	"github.com/p-blackswan/stageflow/internal/orchestrator"
	"github.com/p-blackswan/stageflow/internal/playbook"
	"github.com/p-blackswan/stageflow/internal/schema"
	"github.com/p-blackswan/stageflow/internal/scoring"
	"github.com/p-blackswan/stageflow/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("ops_addr", cfg.OpsAddr).
		Str("db_path", cfg.DBPath).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting stageflow")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Storage
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("database", func(ctx context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Metrics
	m := metrics.New()

	// Cost ledger
	pricing, err := ledger.LoadPricing()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load model pricing")
	}
	costs := ledger.New(st, pricing, m, logger)

	// Slack notifications (optional)
	var notifier *notify.SlackNotifier
	if cfg.SlackEnabled() {
		notifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel, logger)
		costs.SetNotifier(notifier)
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack not configured — skipping notifications")
	}

	// Quality scoring
	if !cfg.ScoringEnabled() {
		logger.Warn().Msg("ANTHROPIC_API_KEY not set — content scoring will fail until configured")
	}
	provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey,
		llm.WithModel(cfg.DefaultModel),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.ScoringTimeout}),
		llm.WithLogger(logger),
	)
	scorer := scoring.New(provider, logger)

	// Content schemas
	validator, err := schema.NewValidator()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile content schemas")
	}

	// Workflow engine
	orch := orchestrator.New(st, scorer, validator, costs, m, logger)
	if notifier != nil {
		orch.SetNotifier(notifier)
	}
	resolver := collab.NewResolver(st, m, cfg.ConflictTimeout, logger)
	transformer := playbook.NewTransformer(st, logger)

	// API server
	handlers := api.NewHandlers(orch, resolver, transformer, costs, st, checker,
		cfg.DefaultProvider, cfg.DefaultModel, cfg.DefaultBudgetUSD, logger)

	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, logger)

	// Ops server: metrics and probes, kept off the public listener
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", m.Handler())
	opsMux.HandleFunc("/healthz", health.LivenessHandler())
	opsMux.HandleFunc("/readyz", checker.ReadinessHandler())

	opsServer := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      opsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("API server starting")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.OpsAddr).Msg("ops server starting")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown error")
	}

	wg.Wait()
	logger.Info().Msg("shutdown complete")
}
