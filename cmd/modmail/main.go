package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/config"
	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/httpapi"
	"github.com/agentworkforce/modmail/internal/logger"
	"github.com/agentworkforce/modmail/internal/metrics"
	"github.com/agentworkforce/modmail/internal/modmail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("MODMAIL_CONFIG", "modmail.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Sink:        cfg.Log.Sink,
		Development: os.Getenv("MODMAIL_LOG_DEV") == "1",
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *configPath, zl); err != nil {
		zl.Fatal("modmail_failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, zl *zap.Logger) error {
	settings, err := cfg.ToSettings()
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	logStoreDSN, stateDSN, err := cfg.StorageDSNs()
	if err != nil {
		return err
	}
	logs, err := modmail.BuildLogStoreFromDSN(logStoreDSN)
	if err != nil {
		return fmt.Errorf("log store: %w", err)
	}
	defer logs.Close()
	backend, err := modmail.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	state, err := modmail.NewRuntimeStore(backend, zl)
	if err != nil {
		return fmt.Errorf("runtime state: %w", err)
	}
	defer state.Close()

	platform := modmail.NewHTTPPlatform(platformOptions(cfg))
	identifyCtx, cancelIdentify := context.WithTimeout(ctx, 30*time.Second)
	bot, err := platform.Identify(identifyCtx)
	cancelIdentify()
	if err != nil {
		return fmt.Errorf("identify bot: %w", err)
	}
	zl.Info("platform_ready", zap.String("bot", bot.ID), zap.String("platform", cfg.Platform.BaseURL))

	hub := events.NewHub()
	publisher, err := buildPublisher(cfg, hub, zl)
	if err != nil {
		return err
	}
	defer publisher.Close()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	settingsStore := modmail.NewSettingsStore(settings)
	confirmer := modmail.NewReactionConfirmer(platform, zl)
	registry, err := modmail.NewRegistry(modmail.RegistryOptions{
		Platform:  platform,
		Logs:      logs,
		State:     state,
		Settings:  settingsStore,
		Publisher: publisher,
		Confirmer: confirmer,
		Metrics:   m,
		Logger:    zl,
	})
	if err != nil {
		return err
	}
	dispatcher, err := modmail.NewDispatcher(dispatcherOptions(cfg, registry, confirmer, m, zl))
	if err != nil {
		return err
	}

	if n, err := registry.MigrateNoteTypes(ctx); err != nil {
		zl.Warn("note_migration_failed", zap.Error(err))
	} else if n > 0 {
		zl.Info("notes_migrated", zap.Int("count", n))
	}
	if err := registry.PopulateCache(ctx); err != nil {
		zl.Warn("populate_cache_failed", zap.Error(err))
	}
	registry.HandleClosures(ctx)
	if err := registry.ValidateAll(ctx, cfg.Reconcile.SkipRepair); err != nil {
		zl.Warn("startup_validation_failed", zap.Error(err))
	}
	if cron := strings.TrimSpace(cfg.Reconcile.Cron); cron != "" {
		go func() {
			if err := registry.RunReconcileLoop(ctx, cron, cfg.Reconcile.SkipRepair); err != nil {
				zl.Error("reconcile_loop_stopped", zap.Error(err))
			}
		}()
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := config.Watch(ctx, configPath, zl, reloadSettings(settingsStore, zl)); err != nil {
			zl.Warn("config_watch_disabled", zap.Error(err))
		}
	}

	server := httpapi.NewServerWithConfig(httpapi.Deps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     zl,
	}, serverConfig(cfg))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		zl.Info("modmail_listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	zl.Info("modmail_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http_shutdown_failed", zap.Error(err))
	}
	_ = dispatcher.Close()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		zl.Warn("registry_shutdown_failed", zap.Error(err))
	}
	return nil
}

func platformOptions(cfg *config.Config) modmail.HTTPPlatformOptions {
	return modmail.HTTPPlatformOptions{
		BaseURL:           cfg.Platform.BaseURL,
		TokenProvider:     modmail.StaticToken(cfg.Platform.Token),
		UserAgent:         "modmail",
		MaxRetries:        cfg.Platform.MaxRetries,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
	}
}

// buildPublisher always feeds the websocket hub and adds RabbitMQ when an
// AMQP URL is configured.
func buildPublisher(cfg *config.Config, hub *events.Hub, zl *zap.Logger) (events.Publisher, error) {
	url := strings.TrimSpace(cfg.Events.AMQPURL)
	if url == "" {
		return events.Fanout{hub}, nil
	}
	rabbit, err := events.NewRabbit(url, cfg.Events.Exchange)
	if err != nil {
		return nil, fmt.Errorf("event publisher: %w", err)
	}
	zl.Info("amqp_publisher_ready", zap.String("exchange", cfg.Events.Exchange))
	return events.Fanout{hub, rabbit}, nil
}

func dispatcherOptions(cfg *config.Config, registry *modmail.Registry, confirmer *modmail.ReactionConfirmer, m *metrics.Metrics, zl *zap.Logger) modmail.DispatcherOptions {
	return modmail.DispatcherOptions{
		Registry:      registry,
		Confirmations: confirmer,
		Workers:       cfg.Dispatcher.Workers,
		QueueCapacity: cfg.Dispatcher.QueueSize,
		Metrics:       m,
		Logger:        zl,
	}
}

func serverConfig(cfg *config.Config) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:          cfg.Server.JWTSecret,
		InternalHMACSecret: cfg.Server.InternalHMACSecret,
		InternalMaxSkew:    cfg.Server.InternalMaxSkew.Duration(),
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow.Duration(),
		MaxBodyBytes:       cfg.Server.MaxBodyBytes.Int64(),
	}
}

// reloadSettings swaps in the settings of a reloaded config. Storage, server
// and platform sections only take effect on restart.
func reloadSettings(store *modmail.SettingsStore, zl *zap.Logger) func(*config.Config) {
	return func(cfg *config.Config) {
		settings, err := cfg.ToSettings()
		if err != nil {
			zl.Warn("settings_reload_rejected", zap.Error(err))
			return
		}
		store.Store(settings)
		zl.Info("settings_reloaded", zap.String("guild", settings.GuildID))
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
