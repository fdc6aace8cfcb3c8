package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/detector"
	"github.com/miradorstack/mirador-heal/internal/events"
	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/learning"
	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/metricstore"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/planner"
)

const (
	// DefaultGuardTTL bounds how long a (resource, metric) guard survives a crashed plan.
	DefaultGuardTTL = 30 * time.Minute
	// DefaultAnomalyRetention is how long resolved anomalies stay tracked.
	DefaultAnomalyRetention = 24 * time.Hour

	healthWindow   = time.Hour
	autoConfidence = 0.8
)

// ErrInvalidSample is returned for samples that cannot be ingested.
var ErrInvalidSample = errors.New("invalid metric sample")

// ErrAnomalyNotFound is returned for unknown anomaly ids.
var ErrAnomalyNotFound = errors.New("anomaly not found")

// Store persists anomalies and plans. Optional.
type Store interface {
	PutAnomaly(ctx context.Context, anomaly models.Anomaly) error
	GetAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	PutPlan(ctx context.Context, plan models.HealingPlan) error
}

// Config controls engine policy.
type Config struct {
	AutoHeal         bool
	GuardTTL         time.Duration
	AnomalyRetention time.Duration
}

// Components are the collaborators the engine orchestrates. Metrics,
// Detector, Planner, Executor and Learning are required.
type Components struct {
	Metrics   *metricstore.Store
	Detector  *detector.Detector
	Planner   *planner.Generator
	Executor  *executor.Executor
	Learning  *learning.Tracker
	Store     Store
	Guard     cache.Provider
	Publisher events.Publisher
}

// Engine runs ingest -> detect -> plan -> execute -> learn.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metricstore.Store
	detector  *detector.Detector
	planner   *planner.Generator
	executor  *executor.Executor
	learning  *learning.Tracker
	store     Store
	guard     cache.Provider
	publisher events.Publisher
	now       func() time.Time

	autoHeal atomic.Bool

	mu        sync.RWMutex
	anomalies map[string]*models.TrackedAnomaly

	inflight sync.Map

	lifecycle sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for lifecycle bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New wires the engine.
func New(cfg Config, c Components, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if c.Metrics == nil || c.Detector == nil || c.Planner == nil || c.Executor == nil || c.Learning == nil {
		return nil, fmt.Errorf("engine requires metric store, detector, planner, executor and learning tracker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = DefaultGuardTTL
	}
	if cfg.AnomalyRetention <= 0 {
		cfg.AnomalyRetention = DefaultAnomalyRetention
	}
	if c.Guard == nil {
		c.Guard = cache.NoopProvider{}
	}
	if c.Publisher == nil {
		c.Publisher = events.NoopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		metrics:   c.Metrics,
		detector:  c.Detector,
		planner:   c.Planner,
		executor:  c.Executor,
		learning:  c.Learning,
		store:     c.Store,
		guard:     c.Guard,
		publisher: c.Publisher,
		now:       func() time.Time { return time.Now().UTC() },
		anomalies: make(map[string]*models.TrackedAnomaly),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.autoHeal.Store(cfg.AutoHeal)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IngestMetric folds the sample into its window, runs detection and returns
// the ids of new anomalies. Qualifying anomalies are healed in the
// background when auto-healing is enabled.
func (e *Engine) IngestMetric(ctx context.Context, sample models.MetricSample) ([]string, error) {
	if err := validateSample(sample); err != nil {
		return nil, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now()
	}
	metrics.ObserveSample()

	var baseline *models.Baseline
	if b, ok := e.metrics.Ingest(sample); ok {
		baseline = &b
	}

	anomalies := e.detector.Detect(sample, baseline)
	ids := make([]string, 0, len(anomalies))
	for _, anomaly := range anomalies {
		ids = append(ids, anomaly.ID)
		metrics.ObserveAnomaly(string(anomaly.Method), string(anomaly.Severity))
		e.track(anomaly)

		if e.store != nil {
			if err := e.store.PutAnomaly(ctx, anomaly); err != nil {
				e.logger.Warn("anomaly not persisted", slog.String("anomaly_id", anomaly.ID), slog.Any("error", err))
			}
		}
		e.publish(ctx, func() (events.Event, error) { return events.AnomalyDetected(anomaly) })

		if e.autoHeal.Load() && ShouldHeal(anomaly) {
			e.spawn(anomaly)
		}
	}
	return ids, nil
}

// ShouldHeal reports whether an anomaly qualifies for automatic healing.
func ShouldHeal(anomaly models.Anomaly) bool {
	if anomaly.Severity == models.SeverityHigh || anomaly.Severity == models.SeverityCritical {
		return true
	}
	return anomaly.Confidence > autoConfidence
}

// GetPlan ranks remediation for the anomaly against the current learned table.
func (e *Engine) GetPlan(anomaly models.Anomaly) models.HealingPlan {
	return e.planner.Generate(anomaly, e.learning.Snapshot())
}

// ExecutePlan runs the plan and records the outcome against its anomaly.
func (e *Engine) ExecutePlan(ctx context.Context, plan models.HealingPlan) []models.HealingExecution {
	if e.store != nil {
		if err := e.store.PutPlan(ctx, plan); err != nil {
			e.logger.Warn("plan not persisted", slog.String("plan_id", plan.ID), slog.Any("error", err))
		}
	}
	e.setState(plan.AnomalyID, models.AnomalyHealing, plan.ID)
	e.publish(ctx, func() (events.Event, error) { return events.PlanGenerated(plan) })

	executions := e.executor.ExecutePlan(ctx, plan)

	// The outcome is recorded even when ctx was cancelled mid-plan.
	ctx = context.WithoutCancel(ctx)
	anomaly, err := e.GetAnomaly(ctx, plan.AnomalyID)
	if err != nil {
		e.logger.Warn("plan outcome not recorded",
			slog.String("plan_id", plan.ID),
			slog.String("anomaly_id", plan.AnomalyID),
			slog.Any("error", err))
	} else if err := e.RecordOutcome(ctx, anomaly, plan, executions); err != nil {
		e.logger.Warn("plan outcome only recorded in memory", slog.String("plan_id", plan.ID), slog.Any("error", err))
	}

	e.publish(ctx, func() (events.Event, error) { return events.PlanCompleted(plan, executions) })
	return executions
}

// RecordOutcome feeds a plan run into the learning table and closes the
// anomaly. The table is updated even when persistence fails.
func (e *Engine) RecordOutcome(ctx context.Context, anomaly models.Anomaly, plan models.HealingPlan, executions []models.HealingExecution) error {
	_, err := e.learning.Record(ctx, anomaly, plan, executions)
	e.setState(anomaly.ID, closingState(executions), plan.ID)
	return err
}

// Rollback reverses a failed execution.
func (e *Engine) Rollback(ctx context.Context, executionID string) bool {
	if !e.executor.Rollback(ctx, executionID) {
		return false
	}
	if exec, err := e.executor.Get(ctx, executionID); err == nil {
		e.publish(ctx, func() (events.Event, error) { return events.ExecutionRolledBack(exec) })
	}
	return true
}

// GetExecution returns a copy of an execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (models.HealingExecution, error) {
	return e.executor.Get(ctx, executionID)
}

// PredictedSuccessRate returns the learned rate for the key, 0.75 if unobserved.
func (e *Engine) PredictedSuccessRate(anomalyType models.AnomalyType, metricName string) float64 {
	return e.learning.PredictedSuccessRate(anomalyType, metricName)
}

// Insights summarises the learning history.
func (e *Engine) Insights() models.Insights {
	return e.learning.Insights()
}

// GetAnomaly resolves an anomaly from the tracked set, then the store.
func (e *Engine) GetAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	e.mu.RLock()
	t, ok := e.anomalies[id]
	e.mu.RUnlock()
	if ok {
		return t.Anomaly, nil
	}
	if e.store != nil {
		anomaly, err := e.store.GetAnomaly(ctx, id)
		if err == nil {
			return anomaly, nil
		}
		e.logger.Debug("anomaly lookup missed store", slog.String("anomaly_id", id), slog.Any("error", err))
	}
	return models.Anomaly{}, fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
}

// ActiveAnomalies lists open and healing anomalies, oldest first.
func (e *Engine) ActiveAnomalies() []models.TrackedAnomaly {
	e.mu.RLock()
	out := make([]models.TrackedAnomaly, 0, len(e.anomalies))
	for _, t := range e.anomalies {
		if t.State == models.AnomalyOpen || t.State == models.AnomalyHealing {
			out = append(out, *t)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Anomaly.DetectedAt.Equal(out[j].Anomaly.DetectedAt) {
			return out[i].Anomaly.ID < out[j].Anomaly.ID
		}
		return out[i].Anomaly.DetectedAt.Before(out[j].Anomaly.DetectedAt)
	})
	return out
}

// SystemHealth scores the anomalies detected during the last hour.
func (e *Engine) SystemHealth() models.SystemHealth {
	now := e.now()
	cutoff := now.Add(-healthWindow)
	counts := map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityHigh:     0,
		models.SeverityMedium:   0,
		models.SeverityLow:      0,
	}
	recent := 0

	e.mu.RLock()
	for _, t := range e.anomalies {
		if t.Anomaly.DetectedAt.After(cutoff) {
			counts[t.Anomaly.Severity]++
			recent++
		}
	}
	e.mu.RUnlock()

	score := 100 -
		counts[models.SeverityCritical]*20 -
		counts[models.SeverityHigh]*10 -
		counts[models.SeverityMedium]*5 -
		counts[models.SeverityLow]*2
	if score < 0 {
		score = 0
	}
	return models.SystemHealth{
		HealthScore:         score,
		Status:              HealthStatus(score),
		RecentAnomalies:     recent,
		AnomaliesBySeverity: counts,
		HealingEnabled:      e.autoHeal.Load(),
		Insights:            e.learning.Insights(),
		LastUpdated:         now,
	}
}

// HealthStatus buckets a health score.
func HealthStatus(score int) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 50:
		return "fair"
	case score >= 25:
		return "poor"
	default:
		return "critical"
	}
}

// EnableHealing turns automatic healing on.
func (e *Engine) EnableHealing() {
	e.autoHeal.Store(true)
	e.logger.Info("automated healing enabled")
}

// DisableHealing turns automatic healing off. Plans already running finish.
func (e *Engine) DisableHealing() {
	e.autoHeal.Store(false)
	e.logger.Info("automated healing disabled")
}

// HealingEnabled reports whether automatic healing is on.
func (e *Engine) HealingEnabled() bool {
	return e.autoHeal.Load()
}

// Sweep evicts expired metric windows and forgets closed anomalies older
// than the retention. It returns the number of series and anomalies removed.
func (e *Engine) Sweep(now time.Time) (int, int) {
	series := e.metrics.Sweep(now)

	cutoff := now.Add(-e.cfg.AnomalyRetention)
	pruned := 0
	e.mu.Lock()
	for id, t := range e.anomalies {
		if t.State == models.AnomalyHealing {
			continue
		}
		if t.UpdatedAt.Before(cutoff) {
			delete(e.anomalies, id)
			pruned++
		}
	}
	e.mu.Unlock()

	if series > 0 || pruned > 0 {
		e.logger.Debug("engine sweep", slog.Int("series", series), slog.Int("anomalies", pruned))
	}
	return series, pruned
}

// Wait blocks until every background healing run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting background runs, cancels in-flight plans between
// steps and waits for them until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifecycle.Lock()
	e.closed = true
	e.lifecycle.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawn(anomaly models.Anomaly) {
	e.lifecycle.Lock()
	if e.closed {
		e.lifecycle.Unlock()
		return
	}
	e.wg.Add(1)
	e.lifecycle.Unlock()

	go func() {
		defer e.wg.Done()
		e.heal(anomaly)
	}()
}

func (e *Engine) heal(anomaly models.Anomaly) {
	ctx := e.ctx
	release, ok := e.acquire(ctx, anomaly.Key())
	if !ok {
		e.logger.Debug("healing already active",
			slog.String("anomaly_id", anomaly.ID),
			slog.String("series", anomaly.Key().String()))
		return
	}
	defer release()

	plan := e.GetPlan(anomaly)
	e.logger.Info("auto-healing triggered",
		slog.String("anomaly_id", anomaly.ID),
		slog.String("plan_id", plan.ID),
		slog.String("severity", string(anomaly.Severity)),
		slog.Float64("estimated_success_rate", plan.EstimatedSuccessRate))
	e.ExecutePlan(ctx, plan)
}

// acquire takes the per-series guard locally and, when a shared cache is
// configured, across replicas. A cache outage degrades to the local guard.
func (e *Engine) acquire(ctx context.Context, key models.SeriesKey) (func(), bool) {
	local := key.String()
	if _, busy := e.inflight.LoadOrStore(local, struct{}{}); busy {
		return nil, false
	}

	guardKey := GuardKey(key)
	ok, err := e.guard.SetNX(ctx, guardKey, []byte(e.now().Format(time.RFC3339Nano)), e.cfg.GuardTTL)
	shared := err == nil
	if err != nil {
		e.logger.Warn("healing guard unavailable, using local guard", slog.String("key", guardKey), slog.Any("error", err))
	} else if !ok {
		e.inflight.Delete(local)
		return nil, false
	}

	return func() {
		if shared {
			if err := e.guard.Del(context.WithoutCancel(ctx), guardKey); err != nil {
				e.logger.Warn("healing guard not released", slog.String("key", guardKey), slog.Any("error", err))
			}
		}
		e.inflight.Delete(local)
	}, true
}

// GuardKey is the cache key that marks a series as being healed.
func GuardKey(key models.SeriesKey) string {
	return cache.Key("guard", key.ResourceID, key.MetricName)
}

func (e *Engine) track(anomaly models.Anomaly) {
	e.mu.Lock()
	e.anomalies[anomaly.ID] = &models.TrackedAnomaly{
		Anomaly:   anomaly,
		State:     models.AnomalyOpen,
		UpdatedAt: e.now(),
	}
	e.mu.Unlock()
}

func (e *Engine) setState(anomalyID string, state models.AnomalyState, planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.anomalies[anomalyID]
	if !ok {
		return
	}
	t.State = state
	t.PlanID = planID
	t.UpdatedAt = e.now()
}

// closingState maps a plan's executions onto the anomaly lifecycle. A
// cancelled run leaves the anomaly open for another attempt.
func closingState(executions []models.HealingExecution) models.AnomalyState {
	cancelled := false
	for _, exec := range executions {
		switch exec.Status {
		case models.StatusSuccess:
			return models.AnomalyResolved
		case models.StatusCancelled:
			cancelled = true
		}
	}
	if cancelled {
		return models.AnomalyOpen
	}
	return models.AnomalyUnresolved
}

func (e *Engine) publish(ctx context.Context, build func() (events.Event, error)) {
	event, err := build()
	if err != nil {
		e.logger.Warn("event not built", slog.Any("error", err))
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("event not published",
			slog.String("type", event.Type),
			slog.String("subject", event.Subject),
			slog.Any("error", err))
	}
}

func validateSample(sample models.MetricSample) error {
	switch {
	case strings.TrimSpace(sample.ResourceID) == "":
		return fmt.Errorf("%w: resource_id is required", ErrInvalidSample)
	case strings.TrimSpace(sample.MetricName) == "":
		return fmt.Errorf("%w: metric_name is required", ErrInvalidSample)
	case math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0):
		return fmt.Errorf("%w: value must be finite", ErrInvalidSample)
	}
	return nil
}
