package models

import (
	"strings"
	"time"
)

// MetricSample is a single observation for a (resource, metric) pair.
type MetricSample struct {
	ResourceID string            `json:"resource_id"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Key returns the series key the sample belongs to.
func (s MetricSample) Key() SeriesKey {
	return SeriesKey{ResourceID: s.ResourceID, MetricName: s.MetricName}
}

// SeriesKey identifies a rolling sample window.
type SeriesKey struct {
	ResourceID string
	MetricName string
}

func (k SeriesKey) String() string {
	return k.ResourceID + ":" + k.MetricName
}

// Baseline summarises the trailing window of a series.
type Baseline struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// AnomalyType classifies what kind of deviation was observed.
type AnomalyType string

const (
	AnomalyPerformance   AnomalyType = "performance"
	AnomalyCapacity      AnomalyType = "capacity"
	AnomalySecurity      AnomalyType = "security"
	AnomalyAvailability  AnomalyType = "availability"
	AnomalyCost          AnomalyType = "cost"
	AnomalyConfiguration AnomalyType = "configuration"
)

// AnomalyTypeForMetric maps a metric name onto an anomaly type by keyword.
func AnomalyTypeForMetric(metricName string) AnomalyType {
	name := strings.ToLower(metricName)
	switch {
	case strings.Contains(name, "cpu"), strings.Contains(name, "memory"),
		strings.Contains(name, "response"), strings.Contains(name, "latency"):
		return AnomalyPerformance
	case strings.Contains(name, "disk"), strings.Contains(name, "network"):
		return AnomalyCapacity
	case strings.Contains(name, "error"), strings.Contains(name, "fail"):
		return AnomalyAvailability
	default:
		return AnomalyPerformance
	}
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DetectionMethod records which detector pass emitted an anomaly.
type DetectionMethod string

const (
	DetectionRule        DetectionMethod = "rule"
	DetectionStatistical DetectionMethod = "statistical"
)

// Anomaly is a detected deviation for a (resource, metric) pair. Immutable once created.
type Anomaly struct {
	ID                  string            `json:"id"`
	Type                AnomalyType       `json:"type"`
	ResourceID          string            `json:"resource_id"`
	MetricName          string            `json:"metric_name"`
	DetectedAt          time.Time         `json:"detected_at"`
	Confidence          float64           `json:"confidence"`
	Severity            Severity          `json:"severity"`
	Description         string            `json:"description"`
	BaselineValue       float64           `json:"baseline_value"`
	ActualValue         float64           `json:"actual_value"`
	DeviationPercentage float64           `json:"deviation_percentage"`
	Method              DetectionMethod   `json:"detection_method"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Key returns the series key of the anomalous metric.
func (a Anomaly) Key() SeriesKey {
	return SeriesKey{ResourceID: a.ResourceID, MetricName: a.MetricName}
}

// AnomalyState tracks the lifecycle of an anomaly after detection.
type AnomalyState string

const (
	AnomalyOpen       AnomalyState = "open"
	AnomalyHealing    AnomalyState = "healing"
	AnomalyResolved   AnomalyState = "resolved"
	AnomalyUnresolved AnomalyState = "unresolved"
)

// TrackedAnomaly is an anomaly together with its healing lifecycle state.
type TrackedAnomaly struct {
	Anomaly   Anomaly      `json:"anomaly"`
	State     AnomalyState `json:"state"`
	PlanID    string       `json:"plan_id,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SystemHealth summarises recent anomaly pressure.
type SystemHealth struct {
	HealthScore         int              `json:"health_score"`
	Status              string           `json:"status"`
	RecentAnomalies     int              `json:"recent_anomalies"`
	AnomaliesBySeverity map[Severity]int `json:"anomalies_by_severity"`
	HealingEnabled      bool             `json:"healing_enabled"`
	Insights            Insights         `json:"learning_insights"`
	LastUpdated         time.Time        `json:"last_updated"`
}
