package repo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// ResourcePlaceholder is substituted with the resource id in snapshot queries.
const ResourcePlaceholder = "$resource"

// DefaultSnapshotQueries are the PromQL expressions captured around each action.
func DefaultSnapshotQueries() map[string]string {
	return map[string]string{
		"cpu_usage":      `avg(rate(container_cpu_usage_seconds_total{pod=~"$resource.*"}[5m])) * 100`,
		"memory_usage":   `avg(container_memory_working_set_bytes{pod=~"$resource.*"})`,
		"restarts":       `sum(kube_pod_container_status_restarts_total{pod=~"$resource.*"})`,
		"ready_replicas": `sum(kube_deployment_status_replicas_ready{deployment="$resource"})`,
	}
}

// PrometheusSnapshotter captures metric snapshots through the Prometheus HTTP API.
type PrometheusSnapshotter struct {
	client  v1.API
	queries map[string]string
	timeout time.Duration
	cache   snapshotCache
	logger  *slog.Logger
}

// PrometheusConfig configures the snapshotter.
type PrometheusConfig struct {
	URL      string
	Queries  map[string]string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NewPrometheusSnapshotter creates a snapshotter against the Prometheus at cfg.URL.
func NewPrometheusSnapshotter(cfg PrometheusConfig, cacheProvider cache.Provider, logger *slog.Logger) (*PrometheusSnapshotter, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	queries := cfg.Queries
	if len(queries) == 0 {
		queries = DefaultSnapshotQueries()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PrometheusSnapshotter{
		client:  v1.NewAPI(client),
		queries: queries,
		timeout: cfg.Timeout,
		cache:   newSnapshotCache(cacheProvider, cfg.CacheTTL, logger),
		logger:  logger,
	}, nil
}

// Snapshot evaluates every configured query for the resource. Queries that
// return no data are omitted; if every query fails the last cached snapshot
// is returned instead.
func (p *PrometheusSnapshotter) Snapshot(ctx context.Context, resourceID string) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	names := make([]string, 0, len(p.queries))
	for name := range p.queries {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(map[string]float64, len(names))
	var lastErr error
	now := time.Now()
	for _, name := range names {
		query := strings.ReplaceAll(p.queries[name], ResourcePlaceholder, resourceID)
		value, err := p.querySingle(ctx, query, now)
		if err != nil {
			lastErr = err
			p.logger.Debug("snapshot query failed", slog.String("metric", name), slog.Any("error", err))
			continue
		}
		values[name] = value
	}

	if len(values) == 0 && lastErr != nil {
		return p.cache.fallback(ctx, resourceID, utils.NewAppError("repo.prometheus.snapshot", resourceID, lastErr))
	}
	p.cache.remember(ctx, resourceID, values)
	return values, nil
}

func (p *PrometheusSnapshotter) querySingle(ctx context.Context, query string, ts time.Time) (float64, error) {
	result, warnings, err := p.client.Query(ctx, query, ts)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warn("prometheus warnings", slog.Any("warnings", warnings))
	}

	switch typed := result.(type) {
	case model.Vector:
		if len(typed) == 0 {
			return 0, fmt.Errorf("no data for query: %s", query)
		}
		sum := 0.0
		for _, sample := range typed {
			sum += float64(sample.Value)
		}
		return sum, nil
	case *model.Scalar:
		return float64(typed.Value), nil
	default:
		return 0, fmt.Errorf("unexpected result type %s for query: %s", result.Type(), query)
	}
}

// Ready reports whether Prometheus answers a trivial query.
func (p *PrometheusSnapshotter) Ready(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "vector(1)", time.Now())
	return err == nil
}
