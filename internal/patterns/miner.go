package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-heal/internal/models"
)

const topActionLimit = 3

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.RemediationPattern) error
}

// Miner aggregates learning records into remediation patterns.
type Miner struct {
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine groups records by pattern key and returns them most prevalent first.
func (m *Miner) Mine(ctx context.Context, records []models.LearningRecord) ([]models.RemediationPattern, error) {
	if len(records) == 0 {
		return nil, nil
	}

	stats := make(map[models.PatternKey]*patternAggregate)
	for _, rec := range records {
		key := models.PatternKey{AnomalyType: rec.AnomalyType, MetricName: rec.MetricName}
		agg := ensureAggregate(stats, key)
		agg.count++
		if rec.Success {
			agg.successes++
		}
		if rec.DurationMinutes > 0 {
			agg.duration += rec.DurationMinutes
			agg.timed++
		}
		if rec.Timestamp.After(agg.lastSeen) {
			agg.lastSeen = rec.Timestamp
		}
		for _, attempt := range rec.Attempts {
			agg.actionAttempts[attempt.Action]++
			if attempt.Success {
				agg.actionSuccesses[attempt.Action]++
			}
		}
	}

	patterns := make([]models.RemediationPattern, 0, len(stats))
	for key, agg := range stats {
		pattern := models.RemediationPattern{
			Key:         key.String(),
			AnomalyType: key.AnomalyType,
			MetricName:  key.MetricName,
			Occurrences: agg.count,
			Prevalence:  float64(agg.count) / float64(len(records)),
			SuccessRate: float64(agg.successes) / float64(agg.count),
			LastSeen:    agg.lastSeen,
		}
		if agg.timed > 0 {
			pattern.MeanDurationMinutes = agg.duration / float64(agg.timed)
		}
		for _, action := range agg.topActions(topActionLimit) {
			attempts := agg.actionAttempts[action]
			pattern.Actions = append(pattern.Actions, models.ActionStat{
				Action:      action,
				Attempts:    attempts,
				SuccessRate: float64(agg.actionSuccesses[action]) / float64(attempts),
			})
		}
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Prevalence != patterns[j].Prevalence {
			return patterns[i].Prevalence > patterns[j].Prevalence
		}
		return patterns[i].Key < patterns[j].Key
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

type patternAggregate struct {
	count           int
	successes       int
	duration        float64
	timed           int
	lastSeen        time.Time
	actionAttempts  map[string]int
	actionSuccesses map[string]int
}

func ensureAggregate(m map[models.PatternKey]*patternAggregate, key models.PatternKey) *patternAggregate {
	agg, ok := m[key]
	if !ok {
		agg = &patternAggregate{
			actionAttempts:  make(map[string]int),
			actionSuccesses: make(map[string]int),
		}
		m[key] = agg
	}
	return agg
}

func (agg *patternAggregate) topActions(limit int) []string {
	actions := make([]string, 0, len(agg.actionAttempts))
	for action := range agg.actionAttempts {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool {
		if agg.actionAttempts[actions[i]] != agg.actionAttempts[actions[j]] {
			return agg.actionAttempts[actions[i]] > agg.actionAttempts[actions[j]]
		}
		return actions[i] < actions[j]
	})
	if len(actions) > limit {
		actions = actions[:limit]
	}
	return actions
}
