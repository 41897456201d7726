package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/toolbridge/internal/api"
	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mqtt"
	"github.com/nugget/toolbridge/internal/oauth"
	"github.com/nugget/toolbridge/internal/scheduler"
)

// runServe handles the "toolbridge serve" subcommand. It opens the
// stores, builds the tool layer and the OAuth lifecycle, schedules the
// pending token refreshes, and serves the API until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The refresh scheduler stops and waits for running jobs
//  4. Connections and stdio processes are closed, then the stores
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting toolbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"cache_ttl", cfg.Discovery.CacheTTL,
		"call_timeout", cfg.Execution.Timeout,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	// --- Audit fan-out ---
	// The SQLite store is authoritative; MQTT is a best-effort copy for
	// analytics consumers.
	var sinks []audit.Recorder
	var mqttPub *mqtt.Publisher
	if cfg.Audit.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.Audit.MQTT, instanceID, logger.With("component", "mqtt"))
		if err := mqttPub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		sinks = append(sinks, audit.NewMQTTSink(mqttPub, logger.With("component", "audit")))
		logger.Info("mqtt audit publishing enabled", "broker", cfg.Audit.MQTT.Broker, "topic", cfg.Audit.MQTT.Topic)
	} else {
		logger.Info("mqtt audit publishing disabled (not configured)")
	}

	stack, err := newStack(cfg, logger, bus, sinks...)
	if err != nil {
		return err
	}
	defer stack.Close()

	// --- OAuth lifecycle ---
	// The scheduler and the OAuth manager refer to each other: the
	// manager schedules refreshes, the scheduler runs them.
	schedStore, err := scheduler.NewStore(cfg.DatabasePath("scheduler"))
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer schedStore.Close()

	var oauthMgr *oauth.Manager
	sched := scheduler.New(logger.With("component", "scheduler"), schedStore, bus,
		func(ctx context.Context, jobID string) error {
			return oauthMgr.Refresh(ctx, jobID)
		},
		scheduler.Config{JobTimeout: cfg.OAuth.JobTimeout},
	)
	oauthMgr = oauth.New(stack.configs, stack.registry, sched, logger.With("component", "oauth"),
		oauth.Config{
			CallbackURL:  cfg.OAuth.CallbackURL,
			StateTTL:     cfg.OAuth.StateTTL,
			ExpiryMargin: cfg.OAuth.ExpiryMargin,
			RefreshLead:  cfg.OAuth.RefreshLead,
		},
		oauth.WithEventBus(bus),
	)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	n, err := oauthMgr.ScheduleAll(ctx)
	if err != nil {
		logger.Error("failed to schedule token refreshes", "error", err)
	} else {
		logger.Info("token refreshes scheduled", "count", n)
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, stack.registry, logger.With("component", "api"))
	server.SetConfigurations(stack.configs)
	server.SetOAuth(oauthMgr)
	server.SetAuditLog(stack.audit)
	server.SetMetrics(stack.metrics)
	server.SetPool(stack.pool, stack.processes)
	server.SetEventBus(bus)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	sched.Stop()
	oauthMgr.Close()

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("toolbridge stopped")
	return nil
}
