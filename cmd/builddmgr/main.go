// Package main is the entry point for the buildd manager daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"buildfarm/internal/config"
	"buildfarm/internal/fleet"
	"buildfarm/internal/logger"
	"buildfarm/internal/observability"
	"buildfarm/internal/store/postgres"
	"buildfarm/internal/workerapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: buildfarm.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	slogger := logger.New(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer st.Close()

	if *migrateFlag {
		slogger.Info("running database migrations")
		if err := postgres.Migrate(st.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		slogger.Info("migrations completed")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "builddmgr", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slogger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slogger.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	meter := otel.Meter("builddmgr")

	// Queue depth is an observable gauge so the database is queried
	// only when scraped.
	_, err = meter.Int64ObservableGauge("buildfarm.queue.depth",
		metric.WithDescription("Number of queued jobs waiting for a builder"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := st.CountQueuedJobs(ctx)
			if err != nil {
				slogger.Warn("failed to count queue depth", "error", err)
				return nil // don't break the scrape on DB errors
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		slogger.Warn("failed to register queue depth metric", "error", err)
	}

	fleetMetrics, err := fleet.NewMetrics(meter)
	if err != nil {
		log.Fatalf("Failed to register fleet metrics: %v", err)
	}

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsHandler,
	}
	go func() {
		slogger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("metrics server stopped", "error", err)
		}
	}()

	manager := fleet.NewManager(fleet.ManagerConfig{
		ScanInterval:       cfg.ScanInterval,
		DiscoveryInterval:  cfg.DiscoveryInterval,
		FlushInterval:      cfg.FlushInterval,
		CancelTimeout:      cfg.CancelTimeout,
		ScanRetryThreshold: cfg.ScanRetryThreshold,
		Thresholds: fleet.Thresholds{
			JobReset:       cfg.JobResetThreshold,
			BuilderFailure: cfg.BuilderFailureThreshold,
		},
		UploadDir: cfg.UploadDir,
	}, st, fleet.NewPrefetchedFactory(st), func(url string) workerapi.Client {
		return workerapi.NewHTTPClient(url, cfg.RPCTimeout)
	}, logger.ForComponent(slogger, "manager"), fleetMetrics)

	slogger.Info("buildd manager starting",
		"scan_interval", cfg.ScanInterval,
		"discovery_interval", cfg.DiscoveryInterval)

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error("manager stopped", "error", err)
	}

	slogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("metrics server forced to shutdown", "error", err)
	}
}
