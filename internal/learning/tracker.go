package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// Store abstracts persistence for learning records.
type Store interface {
	AppendLearningRecord(ctx context.Context, record models.LearningRecord) error
	ListLearningRecords(ctx context.Context) ([]models.LearningRecord, error)
}

// Tracker appends outcomes and publishes snapshots of the success table.
// Writes are serialized; reads never block on them.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
}

// NewTracker constructs a tracker; store may be nil for in-memory use.
func NewTracker(logger *slog.Logger, store Store) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	t.snapshot.Store(emptySnapshot())
	return t
}

// Snapshot returns the current table. It may trail an in-flight Record.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// PredictedSuccessRate returns the learned rate for the key, 0.75 if unobserved.
func (t *Tracker) PredictedSuccessRate(anomalyType models.AnomalyType, metricName string) float64 {
	return t.Snapshot().PredictedSuccessRate(anomalyType, metricName)
}

// Insights summarises the current table.
func (t *Tracker) Insights() models.Insights {
	return t.Snapshot().Insights()
}

// Record derives a learning record from a plan run, persists it when a store
// is configured and folds it into the table. A persistence failure is
// returned but the in-memory table is still updated. Runs where no action
// reached SUCCESS or FAILED are neither persisted nor counted.
func (t *Tracker) Record(ctx context.Context, anomaly models.Anomaly, plan models.HealingPlan, executions []models.HealingExecution) (models.LearningRecord, error) {
	record := BuildRecord(anomaly, plan, executions, t.now())
	if !concluded(record) {
		t.logger.Debug("learning record skipped, no action concluded",
			slog.String("anomaly_id", anomaly.ID),
			slog.String("plan_id", plan.ID))
		return record, nil
	}

	var storeErr error
	if t.store != nil {
		if err := t.store.AppendLearningRecord(ctx, record); err != nil {
			storeErr = utils.NewAppError("learning.record", "append learning record", err)
			t.logger.Warn("learning record not persisted",
				slog.String("anomaly_id", anomaly.ID),
				slog.Any("error", err))
		}
	}

	t.apply(record)
	t.logger.Debug("learning record applied",
		slog.String("pattern", models.PatternKey{AnomalyType: record.AnomalyType, MetricName: record.MetricName}.String()),
		slog.Bool("success", record.Success),
		slog.Float64("duration_minutes", record.DurationMinutes))
	return record, storeErr
}

// Replay folds previously recorded outcomes into the table without persisting them.
func (t *Tracker) Replay(records []models.LearningRecord) {
	for _, record := range records {
		if concluded(record) {
			t.apply(record)
		}
	}
}

func concluded(record models.LearningRecord) bool {
	return len(record.Attempts) > 0
}

// Load replays every record held by the store.
func (t *Tracker) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	records, err := t.store.ListLearningRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list learning records: %w", err)
	}
	t.Replay(records)
	t.logger.Info("learning history loaded", slog.Int("records", len(records)))
	return len(records), nil
}

func (t *Tracker) apply(record models.LearningRecord) {
	t.mu.Lock()
	next := t.snapshot.Load().with(record)
	t.snapshot.Store(next)
	t.mu.Unlock()
	metrics.SetLearnedSuccessRate(next.Insights().OverallSuccessRate)
}

// BuildRecord summarises executions into a learning record. The aggregate
// outcome is successful when any execution reached SUCCESS.
func BuildRecord(anomaly models.Anomaly, plan models.HealingPlan, executions []models.HealingExecution, now time.Time) models.LearningRecord {
	record := models.LearningRecord{
		Timestamp:   now,
		AnomalyID:   anomaly.ID,
		PlanID:      plan.ID,
		AnomalyType: anomaly.Type,
		MetricName:  anomaly.MetricName,
		Severity:    anomaly.Severity,
		Actions:     make([]string, 0, len(executions)),
		Attempts:    make([]models.ActionAttempt, 0, len(executions)),
	}

	var first, last time.Time
	for _, exec := range executions {
		record.Actions = append(record.Actions, exec.Action.Name())
		switch exec.Status {
		case models.StatusSuccess:
			record.Success = true
			record.Attempts = append(record.Attempts, models.ActionAttempt{Action: exec.Action.Name(), Success: true})
		case models.StatusFailed, models.StatusRolledBack:
			record.Attempts = append(record.Attempts, models.ActionAttempt{Action: exec.Action.Name(), Success: false})
		}
		if !exec.StartedAt.IsZero() && (first.IsZero() || exec.StartedAt.Before(first)) {
			first = exec.StartedAt
		}
		if exec.CompletedAt.After(last) {
			last = exec.CompletedAt
		}
	}
	record.DurationMinutes = utils.DurationMinutes(first, last)
	return record
}
