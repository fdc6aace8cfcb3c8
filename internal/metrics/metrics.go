package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful plans and actions.
	OutcomeSuccess = "success"
	// OutcomeFailed labels failed plans and actions.
	OutcomeFailed = "failed"
	// OutcomeCancelled labels work abandoned through cancellation.
	OutcomeCancelled = "cancelled"
)

var (
	samplesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_heal",
			Name:      "samples_ingested_total",
			Help:      "Total number of metric samples ingested.",
		},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_heal",
			Name:      "anomalies_detected_total",
			Help:      "Anomalies emitted by the detector, partitioned by method and severity.",
		},
		[]string{"method", "severity"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_heal",
			Name:      "actions_total",
			Help:      "Healing actions attempted, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	actionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_heal",
			Name:      "action_seconds",
			Help:      "Healing action latency in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"action"},
	)

	plansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_heal",
			Name:      "plans_total",
			Help:      "Healing plans executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_heal",
			Name:      "rollbacks_total",
			Help:      "Rollback requests, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	activePlans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_heal",
			Name:      "active_plans",
			Help:      "Healing plans currently executing.",
		},
	)

	learnedSuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_heal",
			Name:      "learned_success_rate",
			Help:      "Overall success rate across recorded plan executions.",
		},
	)
)

// Register attaches mirador-heal collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesIngestedTotal,
		anomaliesDetectedTotal,
		actionsTotal,
		actionDurationSeconds,
		plansTotal,
		rollbacksTotal,
		activePlans,
		learnedSuccessRate,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSample counts one ingested sample.
func ObserveSample() {
	samplesIngestedTotal.Inc()
}

// ObserveAnomaly counts an emitted anomaly.
func ObserveAnomaly(method, severity string) {
	anomaliesDetectedTotal.WithLabelValues(method, severity).Inc()
}

// ObserveAction records an action duration and outcome label.
func ObserveAction(action string, duration time.Duration, outcome string) {
	actionsTotal.WithLabelValues(action, normalizeOutcome(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	actionDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// ObservePlan counts a finished plan.
func ObservePlan(outcome string) {
	plansTotal.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveRollback counts a rollback request.
func ObserveRollback(success bool) {
	label := OutcomeFailed
	if success {
		label = OutcomeSuccess
	}
	rollbacksTotal.WithLabelValues(label).Inc()
}

// PlanStarted marks a plan as in flight.
func PlanStarted() { activePlans.Inc() }

// PlanFinished releases an in-flight plan.
func PlanFinished() { activePlans.Dec() }

// SetLearnedSuccessRate publishes the overall learned rate.
func SetLearnedSuccessRate(rate float64) {
	learnedSuccessRate.Set(rate)
}

func normalizeOutcome(outcome string) string {
	switch outcome {
	case OutcomeSuccess, OutcomeCancelled:
		return outcome
	default:
		return OutcomeFailed
	}
}
