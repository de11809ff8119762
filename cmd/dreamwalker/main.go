// Dreamwalker orchestration server: serves the MCP tool surface on
// stdio and the HTTP/SSE/WS API, and runs the workflow patterns behind
// both.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/dreamwalker-ai/dreamwalker/pkg/api"
	"github.com/dreamwalker-ai/dreamwalker/pkg/cleanup"
	"github.com/dreamwalker-ai/dreamwalker/pkg/config"
	"github.com/dreamwalker-ai/dreamwalker/pkg/mcp"
	"github.com/dreamwalker-ai/dreamwalker/pkg/notify"
	"github.com/dreamwalker-ai/dreamwalker/pkg/orchestrator"
	"github.com/dreamwalker-ai/dreamwalker/pkg/provider"
	"github.com/dreamwalker-ai/dreamwalker/pkg/store"
	"github.com/dreamwalker-ai/dreamwalker/pkg/stream"
	"github.com/dreamwalker-ai/dreamwalker/pkg/supervisor"
	"github.com/dreamwalker-ai/dreamwalker/pkg/tools"
	"github.com/dreamwalker-ai/dreamwalker/pkg/version"
	"github.com/dreamwalker-ai/dreamwalker/pkg/webhook"
)

const (
	workflowDrainBudget = 30 * time.Second
	webhookDrainBudget  = 10 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogger replaces the default logger per config. Stdout carries the
// MCP stdio transport, so all logging goes to stderr.
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configPath := flag.String("config",
		getEnv("DREAMWALKER_CONFIG", "dreamwalker.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	} else {
		slog.Info("Loaded environment", "path", ".env")
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	slog.Info("Starting dreamwalker",
		"version", version.Full(),
		"listen_addr", cfg.Server.ListenAddr,
		"mcp_stdio", cfg.Server.MCPEnabled())

	// 2. Durable backend
	var backend store.Backend
	if cfg.Store.DurableBackend == "redis" {
		rb, err := store.NewRedisBackend(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password(), cfg.Store.Redis.DB)
		if err != nil {
			slog.Error("Failed to connect to redis", "addr", cfg.Store.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := rb.Close(); err != nil {
				slog.Error("Error closing redis client", "error", err)
			}
		}()
		backend = rb
		slog.Info("Connected to redis", "addr", cfg.Store.Redis.Addr)
	}

	// 3. Core components
	st := store.New(store.Options{
		MaxActive:          cfg.Orchestration.MaxActiveWorkflows,
		CompletedRetention: cfg.Store.CompletedRetentionCount,
		Backend:            backend,
	})
	bus := stream.NewBus(stream.Options{
		Capacity:   cfg.Stream.EventQueueCapacity,
		MaxStreams: cfg.Stream.MaxStreams,
		TTL:        cfg.Stream.TTL(),
	})

	hooks := webhook.NewDispatcher(webhook.Options{
		MaxRetries:  cfg.Webhook.MaxRetries,
		BackoffBase: cfg.Webhook.BackoffBase(),
		Backend:     backend,
	})
	hooks.Start(ctx)
	bus.AddListener(hooks.Deliver)

	// With a durable backend, every stream event also lands in a capped
	// per-workflow log for cross-process inspection.
	var eventLog *store.EventLog
	if backend != nil {
		eventLog = store.NewEventLog(store.EventLogOptions{
			Backend: backend,
			Cap:     cfg.Stream.EventQueueCapacity,
		})
		eventLog.Start(ctx)
		bus.AddListener(eventLog.Append)
	}

	providers := provider.NewCache(func(name, modelID string) (provider.Provider, error) {
		return provider.New(cfg.Providers, name, modelID)
	})

	registry := tools.NewRegistry()
	engine := orchestrator.New(bus, providers, registry, cfg.Orchestration)

	notifier := notify.NewSlack(notify.Options{
		Token:        cfg.Notifications.Slack.Token(),
		Channel:      cfg.Notifications.Slack.Channel,
		DashboardURL: cfg.Notifications.Slack.DashboardURL,
	})
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.Notifications.Slack.Channel)
	}

	sup := supervisor.New(supervisor.Options{
		Store:    st,
		Bus:      bus,
		Engine:   engine,
		Webhooks: hooks,
		Notifier: notifier,
	})

	if err := tools.RegisterBuiltins(registry, tools.BuiltinOptions{
		Status: func(ctx context.Context, workflowID string) (any, error) {
			return sup.Status(ctx, workflowID)
		},
	}); err != nil {
		slog.Error("Failed to register built-in tools", "error", err)
		os.Exit(1)
	}

	// 4. Recover orphans left by the previous run
	if n, err := sup.Rehydrate(ctx); err != nil {
		slog.Warn("State rehydration failed, starting clean", "error", err)
	} else if n > 0 {
		slog.Info("Finalized orphaned workflows from previous run", "count", n)
	}

	// 5. Background retention
	cleanupSvc := cleanup.NewService(cleanup.Options{
		Store:    st,
		Bus:      bus,
		Webhooks: hooks,
		Interval: cfg.Store.CleanupInterval(),
	})
	cleanupSvc.Start(ctx)

	// 6. HTTP server (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(api.Options{
		Supervisor: sup,
		Store:      st,
		Bus:        bus,
		Webhooks:   hooks,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: apiServer.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. MCP stdio surface (non-blocking). When the MCP client closes
	// stdin the session ends and the whole server shuts down, matching
	// the lifetime a client expects of a stdio server.
	runCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	mcpCh := make(chan error, 1)
	if cfg.Server.MCPEnabled() {
		mcpServer := mcp.NewServer(mcp.Options{Supervisor: sup, Registry: registry})
		go func() { mcpCh <- mcpServer.ServeStdio(runCtx) }()
	}

	slog.Info("Dreamwalker started",
		"max_active_workflows", cfg.Orchestration.MaxActiveWorkflows,
		"default_provider", cfg.Providers.Default)

	// 8. Wait for a shutdown trigger
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	case err := <-mcpCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP session ended with error", "error", err)
		} else {
			slog.Info("MCP session ended")
		}
	}

	// 9. Graceful shutdown: stop the sweeper, end the MCP session, drain
	// workflows, flush webhook deliveries, then close the HTTP listener.
	cleanupSvc.Stop()
	stopServing()

	drainCtx, cancelDrain := context.WithTimeout(ctx, workflowDrainBudget)
	defer cancelDrain()
	if err := sup.Shutdown(drainCtx); err != nil {
		slog.Warn("Workflow drain incomplete", "error", err)
	}

	hookCtx, cancelHooks := context.WithTimeout(ctx, webhookDrainBudget)
	defer cancelHooks()
	hooks.Stop(hookCtx)
	if eventLog != nil {
		eventLog.Stop(hookCtx)
	}

	httpCtx, cancelHTTP := context.WithTimeout(ctx, cfg.Server.ShutdownGrace())
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
