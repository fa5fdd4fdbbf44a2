// Command workforce runs the multi-agent orchestration gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/workforce/internal/config"
	"github.com/basket/workforce/internal/cron"
	"github.com/basket/workforce/internal/gateway"
	"github.com/basket/workforce/internal/otel"
	"github.com/basket/workforce/internal/persistence"
	"github.com/basket/workforce/internal/provider"
	"github.com/basket/workforce/internal/runtime"
	"github.com/basket/workforce/internal/telemetry"
	"github.com/basket/workforce/internal/workforce"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeFlag  = flag.String("home", "", "home directory (default ~/.workforce)")
		addrFlag  = flag.String("addr", "", "bind address (overrides config)")
		levelFlag = flag.String("log-level", "", "log level (overrides config)")
		quietFlag = flag.Bool("quiet", false, "log to file only")
	)
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		var err error
		homeDir, err = config.DefaultHomeDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.BindAddr = *addrFlag
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, *quietFlag)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if len(cfg.EnvApplied) > 0 {
		logger.Info("environment overrides applied", "overrides", cfg.EnvApplied)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	rt := runtime.New(cfg.Limits.ActionQueueSize, cfg.Limits.HistoryMaxChars, logger)

	defaultClient := provider.NewGenkitClient(ctx, provider.GenkitConfig{
		Provider:                 cfg.LLM.Provider,
		Model:                    modelFor(cfg),
		APIKey:                   cfg.APIKey(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	newModelClient := func(model, apiKey, apiURL string) provider.ModelClient {
		if apiKey == "" && model == "" {
			return defaultClient
		}
		gc := provider.GenkitConfig{
			Provider:                 cfg.LLM.Provider,
			Model:                    model,
			APIKey:                   apiKey,
			OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
			OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
		}
		if apiURL != "" {
			gc.Provider = "openai_compatible"
			gc.OpenAICompatibleBaseURL = apiURL
		}
		return provider.NewGenkitClient(ctx, gc)
	}

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for range watcher.Events() {
			// Tunables are re-read per session; log so operators see the pickup.
			logger.Info("config reloaded for new sessions")
		}
	}()

	janitor := cron.NewJanitor(cron.Config{
		Locks:    rt.Locks,
		Store:    store,
		Logger:   logger,
		Schedule: cfg.Janitor.Schedule,
		IdleTTL:  cfg.JanitorIdleTTL(),
	})
	janitor.Start(ctx)
	defer janitor.Stop()

	// Sessions build their pools from the default specs, so an advisor seeded
	// from the same roster sees matching worker ids.
	advisor := workforce.NewCapabilityAdvisorFromSpecs(
		workforce.DefaultWorkerSpecs(cfg.Workforce.PoolSize))

	srv := gateway.NewServer(gateway.Config{
		Addr:           cfg.BindAddr,
		Heartbeat:      cfg.Heartbeat(),
		EventQueueSize: cfg.Limits.EventQueueSize,
		Advisor:        advisor,
		Session: workforce.SessionConfig{
			PoolSize:           cfg.Workforce.PoolSize,
			MaxRetries:         cfg.Workforce.MaxRetries,
			PollInterval:       cfg.PollInterval(),
			StopGrace:          cfg.StopGrace(),
			WorkflowMemorySize: cfg.Workforce.WorkflowMemorySize,
			QualityThreshold:   cfg.Workforce.QualityThreshold,
			EnabledStrategies:  enabledStrategies(cfg),
			Model:              modelFor(cfg),
			ContextMaxTokens:   cfg.Limits.ContextMaxTokens,
			BudgetUSD:          cfg.Limits.BudgetUSD,
		},
		DefaultClient:  defaultClient,
		NewModelClient: newModelClient,
	}, rt, store, metrics, logger)

	return srv.ListenAndServe(ctx)
}

func modelFor(cfg *config.Config) string {
	switch cfg.LLM.Provider {
	case "anthropic":
		return cfg.LLM.AnthropicModel
	case "google":
		return cfg.LLM.GeminiModel
	default:
		return ""
	}
}

func enabledStrategies(cfg *config.Config) []workforce.RecoveryStrategy {
	if len(cfg.Workforce.EnabledStrategies) == 0 {
		return nil
	}
	out := make([]workforce.RecoveryStrategy, 0, len(cfg.Workforce.EnabledStrategies))
	for _, s := range cfg.Workforce.EnabledStrategies {
		out = append(out, workforce.RecoveryStrategy(s))
	}
	return out
}
