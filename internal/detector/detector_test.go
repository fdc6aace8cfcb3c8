package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-heal/internal/metricstore"
	"github.com/miradorstack/mirador-heal/internal/models"
)

func cpuSample(value float64) models.MetricSample {
	return models.MetricSample{
		ResourceID: "web-1",
		MetricName: "cpu_usage",
		Value:      value,
		Timestamp:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRulePassCriticalIgnoresBaseline(t *testing.T) {
	d := New(DefaultConfig(), nil)
	baselines := []*models.Baseline{
		nil,
		{Mean: 95, StdDev: 0},
		{Mean: 10, StdDev: 1},
	}
	for _, baseline := range baselines {
		var rule *models.Anomaly
		for _, anomaly := range d.Detect(cpuSample(97), baseline) {
			if anomaly.Method == models.DetectionRule {
				a := anomaly
				rule = &a
			}
		}
		if rule == nil {
			t.Fatalf("expected rule anomaly for baseline %+v", baseline)
		}
		if rule.Severity != models.SeverityCritical || rule.Confidence != 0.95 {
			t.Fatalf("expected critical/0.95, got %s/%f", rule.Severity, rule.Confidence)
		}
		if rule.BaselineValue != 90 {
			t.Fatalf("expected critical threshold as baseline value, got %f", rule.BaselineValue)
		}
	}
}

func TestRulePassHigh(t *testing.T) {
	d := New(DefaultConfig(), nil)
	anomalies := d.Detect(cpuSample(85), nil)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}
	got := anomalies[0]
	if got.Severity != models.SeverityHigh || got.Confidence != 0.85 {
		t.Fatalf("expected high/0.85, got %s/%f", got.Severity, got.Confidence)
	}
	if got.DeviationPercentage != 6.25 {
		t.Fatalf("expected deviation 6.25, got %f", got.DeviationPercentage)
	}
	if got.Type != models.AnomalyPerformance {
		t.Fatalf("expected performance type, got %s", got.Type)
	}
	if got.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestStatisticalPass(t *testing.T) {
	d := New(Config{}, nil, WithIDGenerator(func() string { return "a-1" }))
	baseline := &models.Baseline{Mean: 50, StdDev: 5}

	if got := d.Detect(cpuSample(55), baseline); len(got) != 0 {
		t.Fatalf("z=1 should not fire, got %+v", got)
	}

	medium := d.Detect(cpuSample(62.5), baseline)
	if len(medium) != 1 || medium[0].Severity != models.SeverityMedium {
		t.Fatalf("expected medium anomaly at z=2.5, got %+v", medium)
	}
	if medium[0].Confidence != 0.625 {
		t.Fatalf("expected confidence 0.625, got %f", medium[0].Confidence)
	}
	if medium[0].Metadata["z_score"] != "2.5000" || medium[0].Metadata["baseline_std"] != "5.0000" {
		t.Fatalf("unexpected metadata %+v", medium[0].Metadata)
	}

	high := d.Detect(cpuSample(30), baseline)
	if len(high) != 1 || high[0].Severity != models.SeverityHigh {
		t.Fatalf("expected high anomaly at z=4, got %+v", high)
	}
	if high[0].DeviationPercentage != -40 {
		t.Fatalf("expected -40%% deviation, got %f", high[0].DeviationPercentage)
	}
}

func TestStatisticalPassSkipsFlatBaseline(t *testing.T) {
	d := New(Config{}, nil)
	if got := d.Detect(cpuSample(1000), &models.Baseline{Mean: 50}); len(got) != 0 {
		t.Fatalf("expected no anomaly with zero stddev, got %+v", got)
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	prev := 0.0
	for delta := 0.0; delta <= 100; delta += 0.5 {
		c := Confidence(ZScore(50+delta, 50, 5))
		if c < prev {
			t.Fatalf("confidence decreased at delta %f: %f < %f", delta, c, prev)
		}
		if c > 0.99 {
			t.Fatalf("confidence above cap: %f", c)
		}
		prev = c
	}
}

func TestCPUScenarioWithoutBaseline(t *testing.T) {
	cfg := Config{Rules: map[string]Rule{"cpu_usage": {ThresholdHigh: 90, ThresholdCritical: 98}}}
	d := New(cfg, nil)
	store := metricstore.New(metricstore.Options{}, nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var fired []models.Anomaly
	for i, value := range []float64{45, 50, 48, 95, 52} {
		sample := models.MetricSample{ResourceID: "web-1", MetricName: "cpu_usage", Value: value, Timestamp: start.Add(time.Duration(i) * time.Minute)}
		var baseline *models.Baseline
		if b, ok := store.Ingest(sample); ok {
			baseline = &b
		}
		fired = append(fired, d.Detect(sample, baseline)...)
	}

	if len(fired) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d", len(fired))
	}
	if fired[0].ActualValue != 95 || fired[0].Method != models.DetectionRule || fired[0].Severity != models.SeverityHigh {
		t.Fatalf("unexpected anomaly %+v", fired[0])
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := []byte(`default_sensitivity: 3
rules:
  queue_depth:
    threshold_high: 100
    threshold_critical: 500
    sensitivity: 2.2
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultSensitivity != 3 {
		t.Fatalf("expected default sensitivity 3, got %f", cfg.DefaultSensitivity)
	}
	if _, ok := cfg.Rules["cpu_utilization"]; !ok {
		t.Fatalf("expected built-in rules to remain")
	}
	if cfg.sensitivity("queue_depth") != 2.2 || cfg.sensitivity("unknown") != 3 {
		t.Fatalf("unexpected sensitivities")
	}

	missing, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil || len(missing.Rules) != len(DefaultConfig().Rules) {
		t.Fatalf("missing file should yield defaults, err=%v", err)
	}
}

func TestLoadConfigRejectsInvertedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  cpu_usage:\n    threshold_high: 90\n    threshold_critical: 50\n"), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
