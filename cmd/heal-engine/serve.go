package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-heal/internal/api"
	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/engine"
	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/patterns"
	"github.com/miradorstack/mirador-heal/internal/scheduler"
	"github.com/miradorstack/mirador-heal/internal/services"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC healing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-heal", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.bus != nil && cfg.Events.SubscribeSamples {
		err := rt.bus.SubscribeSamples(ctx, func(ctx context.Context, sample models.MetricSample) error {
			_, err := rt.engine.IngestMetric(ctx, sample)
			if errors.Is(err, engine.ErrInvalidSample) {
				logger.Warn("dropping invalid sample", slog.Any("error", err))
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		logger.Info("consuming samples from event bus")
	}

	sweeper := scheduler.NewSweeper(logger, cfg.Scheduler.JobTimeout)
	if err := sweeper.Add("sweep", cfg.Scheduler.SweepSchedule, func(_ context.Context, now time.Time) {
		series, anomalies := rt.engine.Sweep(now)
		logger.Debug("sweep finished", slog.Int("series", series), slog.Int("anomalies", anomalies))
	}); err != nil {
		return err
	}
	miner := patterns.NewMiner(logger, patterns.CacheStore(rt.cache, cfg.Cache.PatternsTTL))
	if err := sweeper.Add("patterns", cfg.Scheduler.PatternSchedule, func(ctx context.Context, _ time.Time) {
		records, err := rt.store.ListLearningRecords(ctx)
		if err != nil {
			logger.Warn("list learning records", slog.Any("error", err))
			return
		}
		if _, err := miner.Mine(ctx, records); err != nil {
			logger.Warn("mine patterns", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	sweeper.Start()

	healer := services.NewHealerService(logger, rt.engine)
	server, err := api.NewServer(cfg.Server, healer, logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper shutdown", slog.Any("error", err))
	}
	if err := rt.engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healing runs still in flight", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("mirador-heal stopped")
	return nil
}
