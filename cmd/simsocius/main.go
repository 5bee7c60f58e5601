// Command simsocius is the process entrypoint: it loads configuration,
// installs the process-wide logger, wires Prometheus/otel, builds the
// SimTree registry and persistence backend, and starts the chi-based
// HTTP surface in dependency order (config -> component construction ->
// transport -> signal-wait -> graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zjucss/simsocius/internal/httpapi"
	"github.com/zjucss/simsocius/internal/store"
	"github.com/zjucss/simsocius/internal/store/postgres"
	"github.com/zjucss/simsocius/internal/store/sqlite"
	"github.com/zjucss/simsocius/pkg/config"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/logger"
	"github.com/zjucss/simsocius/pkg/obs"
	"github.com/zjucss/simsocius/pkg/quota"
	"github.com/zjucss/simsocius/pkg/scene"
	"github.com/zjucss/simsocius/pkg/simregistry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file (zero-config defaults if empty)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simsocius: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger.Init(level, os.Stdout, cfg.Logging.Format)

	tracerCfg := &obs.TracerConfig{
		Enabled:      cfg.Obs.OTLPEndpoint != "",
		EndpointURL:  cfg.Obs.OTLPEndpoint,
		SamplingRate: float64(cfg.Obs.TraceSamplePct) / 100,
		ServiceName:  cfg.Obs.ServiceName,
	}
	if _, err := obs.InitGlobalTracer(ctx, tracerCfg); err != nil {
		slog.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	metrics, err := obs.NewMetrics(&obs.MetricsConfig{Enabled: cfg.Obs.MetricsAddr != ""})
	if err != nil {
		slog.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	backingStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer backingStore.Close()

	ledger := quota.NewLedger(backingStore)
	estimator := quota.NewEstimator()
	seedQuotas(backingStore, cfg.LLMProviders)

	clients := buildClients(cfg.LLMProviders)

	registry := simregistry.New(scene.DefaultRegistry())
	server := httpapi.New(registry, ledger, estimator, clients, metrics)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
		return cfg, nil
	}
	cfg, _, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}
	return cfg, nil
}

// openStore constructs the configured persistence backend. Postgres and
// sqlite are only imported here, not by internal/store itself, so a
// process that only needs the in-memory backend never pulls in
// pgx/cgo-sqlite3.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	case "sqlite":
		return sqlite.New(cfg.DSN)
	default:
		return store.New(cfg)
	}
}

// seedQuotas configures each provider's per-run budget ceiling as its
// llm_usage quota. SetQuota isn't part of store.Store (its signature
// differs between the in-memory and SQL-backed implementations), so
// this type-switches on the concrete backend rather than widening the
// interface for one operator-configuration convenience method.
func seedQuotas(s store.Store, providers []config.LLMProviderConfig) {
	for _, p := range providers {
		var err error
		switch backend := s.(type) {
		case *store.MemoryStore:
			backend.SetQuota("default", p.Name, p.PerRunQuota)
		case *postgres.Store:
			err = backend.SetQuota(context.Background(), "default", p.Name, p.PerRunQuota)
		case *sqlite.Store:
			err = backend.SetQuota(context.Background(), "default", p.Name, p.PerRunQuota)
		}
		if err != nil {
			slog.Warn("failed to seed quota", "provider", p.Name, "error", err)
		}
	}
}

// buildClients wires each configured LLM provider to a client instance.
// No concrete HTTP-backed provider (OpenAI/Anthropic/Gemini/Ollama) is
// bundled here: llmclient.Client is constructed by the caller's wiring
// code, and the only caller wiring this repo carries is this
// entrypoint, seeded with the deterministic Mock so every configured
// provider name resolves to a working (if canned) client.
func buildClients(providers []config.LLMProviderConfig) *llmclient.Registry {
	clients := make(map[string]llmclient.Client, len(providers))
	for _, p := range providers {
		clients[p.Name] = &llmclient.Mock{}
	}
	return llmclient.NewRegistry(clients)
}
