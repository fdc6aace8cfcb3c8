package planner

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/miradorstack/mirador-heal/internal/models"
)

type stubRates struct {
	pattern map[models.PatternKey]float64
	actions map[string]float64
}

func (s stubRates) Rate(key models.PatternKey) (float64, bool) {
	v, ok := s.pattern[key]
	return v, ok
}

func (s stubRates) ActionRate(key models.PatternKey, action string) (float64, bool) {
	v, ok := s.actions[key.String()+"|"+action]
	return v, ok
}

func cpuAnomaly() models.Anomaly {
	return models.Anomaly{
		ID:         "anomaly-1",
		Type:       models.AnomalyPerformance,
		ResourceID: "web-1",
		MetricName: "cpu_usage",
		Severity:   models.SeverityHigh,
	}
}

func TestGenerateRanksByStaticRate(t *testing.T) {
	g := New(DefaultCatalogue())
	plan := g.Generate(cpuAnomaly(), nil)

	if plan.Pattern != PatternHighCPU {
		t.Fatalf("expected high_cpu pattern, got %s", plan.Pattern)
	}
	if len(plan.Actions) != 2 || plan.Actions[0].Kind != models.ActionScaleUp || plan.Actions[1].Kind != models.ActionRestartService {
		t.Fatalf("expected scale_up before restart_service, got %+v", plan.Actions)
	}
	if plan.EstimatedSuccessRate != 0.85 || plan.EstimatedDuration != 15 || plan.RiskLevel != models.RiskMedium {
		t.Fatalf("unexpected winner estimates %+v", plan)
	}
	if !reflect.DeepEqual(plan.Prerequisites, []string{"Check resource limits", "Verify scaling group"}) {
		t.Fatalf("unexpected prerequisites %+v", plan.Prerequisites)
	}
	if !reflect.DeepEqual(plan.RollbackPlan, []string{"Scale down to original size"}) {
		t.Fatalf("unexpected rollback plan %+v", plan.RollbackPlan)
	}
	if plan.ID != PlanID("anomaly-1") || plan.AnomalyID != "anomaly-1" {
		t.Fatalf("unexpected ids %s/%s", plan.ID, plan.AnomalyID)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := New(DefaultCatalogue())
	rates := stubRates{pattern: map[models.PatternKey]float64{{AnomalyType: models.AnomalyPerformance, MetricName: "cpu_usage"}: 0.6}}

	first := g.Generate(cpuAnomaly(), rates)
	second := g.Generate(cpuAnomaly(), rates)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical plans:\n%+v\n%+v", first, second)
	}
	if first.EstimatedSuccessRate != 0.6 {
		t.Fatalf("expected learned pattern rate 0.6, got %f", first.EstimatedSuccessRate)
	}
}

func TestGenerateUsesLearnedActionRates(t *testing.T) {
	g := New(DefaultCatalogue())
	rates := stubRates{actions: map[string]float64{
		"performance:cpu_usage|scale_up": 0.2,
	}}

	plan := g.Generate(cpuAnomaly(), rates)
	if plan.Actions[0].Kind != models.ActionRestartService {
		t.Fatalf("expected restart_service to win after scale_up degraded, got %+v", plan.Actions)
	}
	if !plan.Candidates[1].Learned || plan.Candidates[1].SuccessRate != 0.2 {
		t.Fatalf("expected learned candidate, got %+v", plan.Candidates[1])
	}
	if plan.EstimatedSuccessRate != 0.70 {
		t.Fatalf("expected winner rate without pattern history, got %f", plan.EstimatedSuccessRate)
	}
}

func TestGenerateStableOnTies(t *testing.T) {
	cat := Catalogue{Patterns: map[string][]Entry{
		PatternHighMemory: {
			{Action: "clean_logs", SuccessRate: 0.7, DurationMinutes: 10, RiskLevel: models.RiskLow},
			{Action: "restart_service", SuccessRate: 0.7, DurationMinutes: 5, RiskLevel: models.RiskLow},
		},
	}}
	plan := New(cat).Generate(models.Anomaly{ID: "a", MetricName: "memory_usage"}, nil)
	if plan.Actions[0].Kind != models.ActionCleanLogs {
		t.Fatalf("expected catalogue order on ties, got %+v", plan.Actions)
	}
}

func TestGenerateFallsBack(t *testing.T) {
	cat := Catalogue{DefaultPattern: PatternHighCPU, Patterns: map[string][]Entry{
		PatternHighCPU: {{Action: "scale_up", SuccessRate: 0.8, DurationMinutes: 15, RiskLevel: models.RiskMedium}},
	}}
	plan := New(cat).Generate(models.Anomaly{ID: "a", MetricName: "disk_usage"}, nil)
	if plan.Pattern != PatternHighCPU || plan.Actions[0].Kind != models.ActionScaleUp {
		t.Fatalf("expected default pattern fallback, got %+v", plan)
	}

	empty := New(Catalogue{}).Generate(models.Anomaly{ID: "b", MetricName: "disk_usage"}, nil)
	if len(empty.Actions) != 1 || empty.Actions[0].Kind != models.ActionRestartService {
		t.Fatalf("expected single restart fallback, got %+v", empty.Actions)
	}
	if empty.EstimatedSuccessRate != 0.50 || empty.EstimatedDuration != 10 || empty.RiskLevel != models.RiskMedium {
		t.Fatalf("unexpected fallback estimates %+v", empty)
	}
}

func TestPatternFor(t *testing.T) {
	cases := map[string]string{
		"cpu_usage":        PatternHighCPU,
		"memory_usage":     PatternHighMemory,
		"disk_utilization": PatternHighDisk,
		"response_time":    PatternHighResponseTime,
		"p99_latency":      PatternHighResponseTime,
		"error_rate":       PatternHighErrorRate,
		"queue_depth":      PatternHighCPU,
	}
	for metric, want := range cases {
		if got := PatternFor(metric); got != want {
			t.Fatalf("PatternFor(%s) = %s, want %s", metric, got, want)
		}
	}
}

func TestLoadCatalogueCustomAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.yaml")
	content := []byte(`patterns:
  high_error_rate:
    - action: custom:drain-queue
      success_rate: 0.9
      duration_minutes: 3
      risk_level: low
prerequisites:
  custom:drain-queue: ["Pause producers"]
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	cat, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	plan := New(cat).Generate(models.Anomaly{ID: "a", Type: models.AnomalyAvailability, MetricName: "error_rate"}, nil)
	if plan.Actions[0].Kind != models.ActionCustom || plan.Actions[0].Handler != "drain-queue" {
		t.Fatalf("expected custom action, got %+v", plan.Actions)
	}
	if !reflect.DeepEqual(plan.Prerequisites, []string{"Pause producers"}) {
		t.Fatalf("unexpected prerequisites %+v", plan.Prerequisites)
	}
	if _, ok := cat.Patterns[PatternHighCPU]; !ok {
		t.Fatalf("expected built-in patterns to remain")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("patterns:\n  high_cpu:\n    - action: reboot_world\n      success_rate: 0.5\n"), 0o600); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	if _, err := LoadCatalogue(bad); err == nil {
		t.Fatalf("expected unknown action to be rejected")
	}
}
