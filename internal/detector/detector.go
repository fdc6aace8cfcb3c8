package detector

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// Detector runs the rule and statistical passes over incoming samples.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	newID  func() string
}

// Option customises a Detector.
type Option func(*Detector)

// WithIDGenerator overrides anomaly id generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Detector) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// New constructs a detector around the provided rule table.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rules == nil {
		cfg.Rules = map[string]Rule{}
	}
	d := &Detector{cfg: cfg, logger: logger, newID: uuid.NewString}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect evaluates the sample. baseline may be nil, in which case the
// statistical pass is skipped. Detection never fails.
func (d *Detector) Detect(sample models.MetricSample, baseline *models.Baseline) []models.Anomaly {
	anomalies := make([]models.Anomaly, 0, 2)
	if anomaly, ok := d.rulePass(sample); ok {
		anomalies = append(anomalies, anomaly)
	}
	if anomaly, ok := d.statisticalPass(sample, baseline); ok {
		anomalies = append(anomalies, anomaly)
	}
	return anomalies
}

func (d *Detector) rulePass(sample models.MetricSample) (models.Anomaly, bool) {
	rule, ok := d.cfg.Rules[sample.MetricName]
	if !ok {
		return models.Anomaly{}, false
	}

	var (
		severity   models.Severity
		confidence float64
		threshold  float64
	)
	switch {
	case rule.ThresholdCritical > 0 && sample.Value >= rule.ThresholdCritical:
		severity, confidence, threshold = models.SeverityCritical, 0.95, rule.ThresholdCritical
	case rule.ThresholdHigh > 0 && sample.Value >= rule.ThresholdHigh:
		severity, confidence, threshold = models.SeverityHigh, 0.85, rule.ThresholdHigh
	default:
		return models.Anomaly{}, false
	}

	anomaly := d.newAnomaly(sample, models.DetectionRule)
	anomaly.Severity = severity
	anomaly.Confidence = confidence
	anomaly.BaselineValue = threshold
	anomaly.DeviationPercentage = (sample.Value - threshold) / threshold * 100
	anomaly.Description = fmt.Sprintf("%s %.2f crossed %s threshold %.2f", sample.MetricName, sample.Value, severity, threshold)
	anomaly.Metadata["threshold"] = formatFloat(threshold)
	return anomaly, true
}

func (d *Detector) statisticalPass(sample models.MetricSample, baseline *models.Baseline) (models.Anomaly, bool) {
	if baseline == nil {
		d.logger.Debug("statistical pass skipped",
			slog.String("resource_id", sample.ResourceID),
			slog.String("metric", sample.MetricName),
			slog.String("reason", "no baseline"))
		return models.Anomaly{}, false
	}
	if baseline.StdDev == 0 {
		return models.Anomaly{}, false
	}

	z := ZScore(sample.Value, baseline.Mean, baseline.StdDev)
	sensitivity := d.cfg.sensitivity(sample.MetricName)
	if z <= sensitivity {
		return models.Anomaly{}, false
	}

	severity := models.SeverityMedium
	if z > 3 {
		severity = models.SeverityHigh
	}

	anomaly := d.newAnomaly(sample, models.DetectionStatistical)
	anomaly.Severity = severity
	anomaly.Confidence = Confidence(z)
	anomaly.BaselineValue = baseline.Mean
	if baseline.Mean != 0 {
		anomaly.DeviationPercentage = (sample.Value - baseline.Mean) / baseline.Mean * 100
	}
	anomaly.Description = fmt.Sprintf("%s %.2f deviates %.2f sigma from baseline mean %.2f", sample.MetricName, sample.Value, z, baseline.Mean)
	anomaly.Metadata["z_score"] = formatFloat(z)
	anomaly.Metadata["baseline_std"] = formatFloat(baseline.StdDev)
	anomaly.Metadata["sensitivity"] = formatFloat(sensitivity)
	return anomaly, true
}

func (d *Detector) newAnomaly(sample models.MetricSample, method models.DetectionMethod) models.Anomaly {
	detectedAt := sample.Timestamp
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	metadata := make(map[string]string, len(sample.Tags)+3)
	for k, v := range sample.Tags {
		metadata[k] = v
	}
	return models.Anomaly{
		ID:          d.newID(),
		Type:        models.AnomalyTypeForMetric(sample.MetricName),
		ResourceID:  sample.ResourceID,
		MetricName:  sample.MetricName,
		DetectedAt:  detectedAt,
		ActualValue: sample.Value,
		Method:      method,
		Metadata:    metadata,
	}
}

// ZScore is |value-mean|/stddev.
func ZScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return math.Abs(value-mean) / stddev
}

// Confidence maps a z-score onto [0, 0.99].
func Confidence(z float64) float64 {
	return math.Min(0.99, z/4)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
