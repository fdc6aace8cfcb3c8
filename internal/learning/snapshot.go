package learning

import (
	"sort"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// DefaultSuccessRate is returned for pattern keys with no history.
const DefaultSuccessRate = 0.75

const topPatternLimit = 5

type tally struct {
	successes int
	total     int
}

func (t tally) rate() float64 {
	if t.total == 0 {
		return DefaultSuccessRate
	}
	return float64(t.successes) / float64(t.total)
}

type actionKey struct {
	pattern models.PatternKey
	action  string
}

// Snapshot is an immutable view of the success pattern table. Safe for
// concurrent readers.
type Snapshot struct {
	patterns      map[models.PatternKey]tally
	actions       map[actionKey]tally
	records       int
	successes     int
	timed         int
	totalDuration float64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		patterns: make(map[models.PatternKey]tally),
		actions:  make(map[actionKey]tally),
	}
}

// with returns a copy of s that includes rec.
func (s *Snapshot) with(rec models.LearningRecord) *Snapshot {
	next := &Snapshot{
		patterns:      make(map[models.PatternKey]tally, len(s.patterns)+1),
		actions:       make(map[actionKey]tally, len(s.actions)+len(rec.Attempts)),
		records:       s.records + 1,
		successes:     s.successes,
		timed:         s.timed,
		totalDuration: s.totalDuration,
	}
	if rec.DurationMinutes > 0 {
		next.timed++
		next.totalDuration += rec.DurationMinutes
	}
	for k, v := range s.patterns {
		next.patterns[k] = v
	}
	for k, v := range s.actions {
		next.actions[k] = v
	}

	key := models.PatternKey{AnomalyType: rec.AnomalyType, MetricName: rec.MetricName}
	agg := next.patterns[key]
	agg.total++
	if rec.Success {
		agg.successes++
		next.successes++
	}
	next.patterns[key] = agg

	for _, attempt := range rec.Attempts {
		ak := actionKey{pattern: key, action: attempt.Action}
		a := next.actions[ak]
		a.total++
		if attempt.Success {
			a.successes++
		}
		next.actions[ak] = a
	}
	return next
}

// Rate returns the observed success rate for the key, if any.
func (s *Snapshot) Rate(key models.PatternKey) (float64, bool) {
	agg, ok := s.patterns[key]
	if !ok || agg.total == 0 {
		return 0, false
	}
	return agg.rate(), true
}

// ActionRate returns the observed success rate of one action for the key.
func (s *Snapshot) ActionRate(key models.PatternKey, action string) (float64, bool) {
	agg, ok := s.actions[actionKey{pattern: key, action: action}]
	if !ok || agg.total == 0 {
		return 0, false
	}
	return agg.rate(), true
}

// PredictedSuccessRate returns the observed rate or DefaultSuccessRate.
func (s *Snapshot) PredictedSuccessRate(anomalyType models.AnomalyType, metricName string) float64 {
	if rate, ok := s.Rate(models.PatternKey{AnomalyType: anomalyType, MetricName: metricName}); ok {
		return rate
	}
	return DefaultSuccessRate
}

// Records returns how many learning records the snapshot aggregates.
func (s *Snapshot) Records() int {
	return s.records
}

// Insights summarises the table.
func (s *Snapshot) Insights() models.Insights {
	insights := models.Insights{
		TotalAttempts:      s.records,
		SuccessfulAttempts: s.successes,
		TopPatterns:        make(map[string]float64),
	}
	if s.records == 0 {
		return insights
	}
	insights.OverallSuccessRate = float64(s.successes) / float64(s.records)
	// Untimed records are left out of the mean.
	if s.timed > 0 {
		insights.AverageDuration = s.totalDuration / float64(s.timed)
	}

	keys := make([]models.PatternKey, 0, len(s.patterns))
	for key := range s.patterns {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := s.patterns[keys[i]].rate(), s.patterns[keys[j]].rate()
		if ri != rj {
			return ri > rj
		}
		return keys[i].String() < keys[j].String()
	})
	if len(keys) > topPatternLimit {
		keys = keys[:topPatternLimit]
	}
	for _, key := range keys {
		insights.TopPatterns[key.String()] = s.patterns[key].rate()
	}
	return insights
}
