package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/config"
	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/monitor"
	"github.com/praxisrange/praxis/pkg/notify"
	"github.com/praxisrange/praxis/pkg/obs"
	"github.com/praxisrange/praxis/pkg/orchestrator"
	"github.com/praxisrange/praxis/pkg/reaper"
	"github.com/praxisrange/praxis/pkg/registry"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

func main() {
	cfg := config.Load()
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slogger.Info("Starting Praxis API", "port", cfg.Port)

	logger := obs.NewSlogAdapter()
	metrics := obs.NewPrometheusMetrics()

	cat, err := catalogFrom(cfg)
	if err != nil {
		slogger.Error("Failed to load lab catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	allocator := sandbox.NewPortAllocator(cfg.PortRangeMin, cfg.PortRangeMax)

	gateways := make(map[domain.SandboxMode]sandbox.Gateway)
	if proc, err := sandbox.NewProcessGateway(cfg.WorkspaceDir, allocator, cfg.TerminateGrace, logger); err != nil {
		slogger.Warn("Process labs disabled", "error", err)
	} else {
		gateways[domain.ModeProcess] = proc
	}
	if docker, err := sandbox.NewDockerGateway(cfg.DockerHost, allocator, cfg.TerminateGrace, logger); err != nil {
		slogger.Warn("Container labs disabled, docker unreachable", "error", err)
	} else {
		gateways[domain.ModeContainer] = docker
	}
	if len(gateways) == 0 {
		slogger.Error("No sandbox runtime available")
		os.Exit(1)
	}

	// Redis backs both the registry and the notification queue; without it
	// the service degrades to in-process state for local development.
	var reg registry.Registry
	var notifier notify.Notifier
	if redisReg, err := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword); err != nil {
		slogger.Warn("Redis unreachable, using in-memory registry", "addr", cfg.RedisAddr, "error", err)
		reg = registry.NewMemoryRegistry()
		notifier = notify.NewLogNotifier(logger)
	} else {
		reg = redisReg
		n, err := notify.NewRedisNotifier(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPassword, notify.DefaultQueueKey)
		if err != nil {
			notifier = notify.NewLogNotifier(logger)
		} else {
			notifier = n
		}
	}

	mon := monitor.New(monitor.Config{
		SampleInterval:  cfg.SampleInterval,
		RetentionWindow: cfg.RetentionWindow,
		CPUThreshold:    cfg.AlertCPUThreshold,
		MemThreshold:    cfg.AlertMemThreshold,
		AlertCooldown:   cfg.AlertCooldown,
	}, logger, metrics, notifier)

	orch := orchestrator.New(orchestrator.Options{
		Catalog:        cat,
		Registry:       reg,
		Gateways:       gateways,
		Monitor:        mon,
		Metrics:        metrics,
		Logger:         logger,
		HealthInterval: cfg.HealthInterval,
		HealthDeadline: cfg.HealthDeadline,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Reconcile(ctx); err != nil {
		slogger.Warn("Startup reconcile failed", "error", err)
	}

	sweeper := reaper.New(reaper.Config{
		SweepInterval:       cfg.SweepInterval,
		DefaultTotalTimeout: cfg.DefaultTotalTimeout,
		DefaultIdleTimeout:  cfg.DefaultIdleTimeout,
	}, cat, reg, mon, orch, notifier, metrics, logger)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	srv := &server{orch: orch, catalog: cat}
	srv.routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogger.Info("Shutting down...")
	cancel()
	orch.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("Server forced to shutdown", "error", err)
	}
	slogger.Info("Server exited")
}

func catalogFrom(cfg *config.Config) (catalog.Catalog, error) {
	return catalog.NewFileCatalog(cfg.CatalogPath)
}

func logLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
