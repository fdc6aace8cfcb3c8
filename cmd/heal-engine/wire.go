package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-heal/internal/actions"
	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/detector"
	"github.com/miradorstack/mirador-heal/internal/engine"
	"github.com/miradorstack/mirador-heal/internal/events"
	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/learning"
	"github.com/miradorstack/mirador-heal/internal/metricstore"
	"github.com/miradorstack/mirador-heal/internal/planner"
	"github.com/miradorstack/mirador-heal/internal/repo"
)

// runtime holds the wired collaborators and everything that needs closing.
type runtime struct {
	engine  *engine.Engine
	tracker *learning.Tracker
	store   repo.Store
	cache   cache.Provider
	bus     *events.NATSBus
	closers []func() error
	logger  *slog.Logger
}

func openCache(cfg *config.Config, logger *slog.Logger) cache.Provider {
	if !cfg.Cache.Enabled || cfg.Cache.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Cache.Addr,
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		MaxRetries:   cfg.Cache.MaxRetries,
		TLS:          cfg.Cache.TLS,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

func openStore(ctx context.Context, cfg *config.Config) (repo.Store, error) {
	if cfg.Store.Driver != config.StorePostgres {
		return repo.NewMemoryStore(), nil
	}
	return repo.NewPostgresStore(ctx, repo.PostgresConfig{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
}

func openSnapshotter(cfg *config.Config, provider cache.Provider, logger *slog.Logger) (executor.Snapshotter, error) {
	switch {
	case cfg.Prometheus.URL != "":
		return repo.NewPrometheusSnapshotter(repo.PrometheusConfig{
			URL:      cfg.Prometheus.URL,
			Queries:  cfg.Prometheus.Queries,
			Timeout:  cfg.Prometheus.Timeout,
			CacheTTL: cfg.Cache.SnapshotTTL,
		}, provider, logger)
	case cfg.Core.BaseURL != "":
		return repo.NewCoreSnapshotter(cfg.Core.BaseURL, cfg.Core.SnapshotPath, cfg.Core.Timeout,
			provider, cfg.Cache.SnapshotTTL, logger), nil
	default:
		return nil, nil
	}
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*executor.Registry, error) {
	var k8s *actions.KubernetesHandler
	if cfg.Kubernetes.Enabled {
		kcfg := actions.KubernetesConfig{
			Kubeconfig:       cfg.Kubernetes.Kubeconfig,
			InCluster:        cfg.Kubernetes.InCluster,
			DefaultNamespace: cfg.Kubernetes.DefaultNamespace,
			ScaleStep:        cfg.Kubernetes.ScaleStep,
			MinReplicas:      cfg.Kubernetes.MinReplicas,
			MaxReplicas:      cfg.Kubernetes.MaxReplicas,
			VerifyTimeout:    cfg.Kubernetes.VerifyTimeout,
			VerifyInterval:   cfg.Kubernetes.VerifyInterval,
		}
		client, err := actions.NewClientset(kcfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		k8s = actions.NewKubernetesHandler(client, kcfg, logger)
	}

	var webhook *actions.WebhookHandler
	if cfg.Runbook.BaseURL != "" {
		webhook = actions.NewWebhookHandler(cfg.Runbook.BaseURL, cfg.Runbook.Token, cfg.Runbook.Timeout, logger)
	}
	return actions.BuildRegistry(k8s, webhook, cfg.Healing.CustomActions)
}

// wire builds the engine and its collaborators. The caller owns rt.close.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	rt.cache = openCache(cfg, logger)
	rt.closers = append(rt.closers, rt.cache.Close)

	store, err := openStore(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	snapshotter, err := openSnapshotter(cfg, rt.cache, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("snapshotter: %w", err)
	}

	rules, err := detector.LoadConfig(cfg.Detection.RulesPath)
	if err != nil {
		rt.close()
		return nil, err
	}
	catalogue, err := planner.LoadCatalogue(cfg.Healing.CataloguePath)
	if err != nil {
		rt.close()
		return nil, err
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if len(registry.Capabilities()) == 0 {
		logger.Warn("no action handlers configured; every plan step will fail")
	}

	exec := executor.New(executor.Config{
		RollbackEnabled: cfg.Healing.RollbackEnabled,
		ActionTimeout:   cfg.Healing.ActionTimeout,
	}, registry, snapshotter, logger, executor.WithStore(store))

	rt.tracker = learning.NewTracker(logger, store)
	if _, err := rt.tracker.Load(ctx); err != nil {
		logger.Warn("learning history unavailable", slog.Any("error", err))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled {
		bus, err := events.NewNATSBus(events.NATSConfig{
			URL:              cfg.Events.URL,
			Durable:          cfg.Events.Durable,
			EventMaxAge:      cfg.Events.EventMaxAge,
			SampleMaxAge:     cfg.Events.SampleMaxAge,
			SampleStaleAfter: cfg.Events.SampleStaleAfter,
		}, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("event bus: %w", err)
		}
		rt.bus = bus
		rt.closers = append(rt.closers, bus.Close)
		publisher = bus
	}

	rt.engine, err = engine.New(engine.Config{
		AutoHeal:         cfg.Healing.AutoHeal,
		GuardTTL:         cfg.Healing.GuardTTL,
		AnomalyRetention: cfg.Healing.AnomalyRetention,
	}, engine.Components{
		Metrics: metricstore.New(metricstore.Options{
			Retention:      cfg.Detection.Retention,
			BaselineWindow: cfg.Detection.BaselineWindow,
			MinSamples:     cfg.Detection.MinSamples,
		}, logger),
		Detector:  detector.New(rules, logger),
		Planner:   planner.New(catalogue),
		Executor:  exec,
		Learning:  rt.tracker,
		Store:     store,
		Guard:     rt.cache,
		Publisher: publisher,
	}, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	logger.Info("engine wired",
		slog.String("store", cfg.Store.Driver),
		slog.Bool("kubernetes", cfg.Kubernetes.Enabled),
		slog.Bool("events", cfg.Events.Enabled),
		slog.Any("capabilities", registry.Capabilities()))
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	rt.closers = nil
}
