package planner

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-heal/internal/models"
)

var planNamespace = uuid.MustParse("6f1c2b8e-5d3a-4f7e-9b21-3c8d0a4e7f10")

// fallbackEntry is used when the catalogue has neither the pattern nor a default.
var fallbackEntry = Entry{
	Action:          string(models.ActionRestartService),
	SuccessRate:     0.50,
	DurationMinutes: 10,
	RiskLevel:       models.RiskMedium,
}

// Rates exposes learned success rates. Implemented by learning snapshots.
type Rates interface {
	Rate(key models.PatternKey) (float64, bool)
	ActionRate(key models.PatternKey, action string) (float64, bool)
}

// Generator turns anomalies into ranked healing plans.
type Generator struct {
	catalogue Catalogue
}

// New constructs a generator over the catalogue.
func New(catalogue Catalogue) *Generator {
	return &Generator{catalogue: catalogue}
}

// PatternFor maps a metric name onto a catalogue pattern key.
func PatternFor(metricName string) string {
	name := strings.ToLower(metricName)
	switch {
	case strings.Contains(name, "cpu"):
		return PatternHighCPU
	case strings.Contains(name, "memory"):
		return PatternHighMemory
	case strings.Contains(name, "disk"):
		return PatternHighDisk
	case strings.Contains(name, "response"), strings.Contains(name, "latency"):
		return PatternHighResponseTime
	case strings.Contains(name, "error"):
		return PatternHighErrorRate
	default:
		return PatternHighCPU
	}
}

// PlanID derives the plan id for an anomaly.
func PlanID(anomalyID string) string {
	return uuid.NewSHA1(planNamespace, []byte(anomalyID)).String()
}

// Generate builds the plan for the anomaly. rates may be nil. The result
// depends only on the anomaly, the catalogue and the rates.
func (g *Generator) Generate(anomaly models.Anomaly, rates Rates) models.HealingPlan {
	pattern, entries, ok := g.catalogue.Resolve(PatternFor(anomaly.MetricName))
	if !ok {
		entries = []Entry{fallbackEntry}
	}

	key := models.PatternKey{AnomalyType: anomaly.Type, MetricName: anomaly.MetricName}
	candidates := make([]models.ActionCandidate, 0, len(entries))
	for _, entry := range entries {
		action, err := models.ParseAction(entry.Action)
		if err != nil {
			continue
		}
		candidate := models.ActionCandidate{
			Action:          action,
			SuccessRate:     entry.SuccessRate,
			DurationMinutes: entry.DurationMinutes,
			RiskLevel:       entry.RiskLevel,
		}
		if rates != nil {
			if rate, ok := rates.ActionRate(key, action.Name()); ok {
				candidate.SuccessRate = rate
				candidate.Learned = true
			}
		}
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 {
		action, _ := models.ParseAction(fallbackEntry.Action)
		candidates = append(candidates, models.ActionCandidate{
			Action:          action,
			SuccessRate:     fallbackEntry.SuccessRate,
			DurationMinutes: fallbackEntry.DurationMinutes,
			RiskLevel:       fallbackEntry.RiskLevel,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SuccessRate > candidates[j].SuccessRate
	})

	winner := candidates[0]
	estimate := winner.SuccessRate
	if rates != nil {
		if rate, ok := rates.Rate(key); ok {
			estimate = rate
		}
	}

	actions := make([]models.Action, len(candidates))
	for i, candidate := range candidates {
		actions[i] = candidate.Action
	}

	return models.HealingPlan{
		ID:                   PlanID(anomaly.ID),
		AnomalyID:            anomaly.ID,
		ResourceID:           anomaly.ResourceID,
		Pattern:              pattern,
		Actions:              actions,
		Candidates:           candidates,
		EstimatedSuccessRate: estimate,
		EstimatedDuration:    winner.DurationMinutes,
		RiskLevel:            winner.RiskLevel,
		Prerequisites:        copyStrings(g.catalogue.Prerequisites[winner.Action.Name()]),
		RollbackPlan:         copyStrings(g.catalogue.RollbackPlans[winner.Action.Name()]),
	}
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
