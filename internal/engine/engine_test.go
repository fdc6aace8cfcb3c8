package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-heal/internal/detector"
	"github.com/miradorstack/mirador-heal/internal/events"
	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/learning"
	"github.com/miradorstack/mirador-heal/internal/metricstore"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/planner"
	"github.com/miradorstack/mirador-heal/internal/repo"
)

type scriptedHandler struct {
	mu      sync.Mutex
	success map[models.ActionKind]bool
	info    models.RollbackInfo
	calls   []models.ActionKind
}

func (h *scriptedHandler) Execute(_ context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req.Action.Kind)
	return executor.ActionResult{Success: h.success[req.Action.Kind], RollbackInfo: h.info}, nil
}

func (h *scriptedHandler) Rollback(context.Context, executor.RollbackRequest) error { return nil }

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type busyGuard struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (g *busyGuard) Get(context.Context, string) ([]byte, error) { return nil, errors.New("unused") }
func (g *busyGuard) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (g *busyGuard) SetNX(_ context.Context, key string, _ []byte, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *busyGuard) Del(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
	return nil
}

func (g *busyGuard) Close() error { return nil }

type fixture struct {
	engine    *Engine
	handler   *scriptedHandler
	publisher *recordingPublisher
	store     *repo.MemoryStore
}

func newFixture(t *testing.T, cfg Config, handler *scriptedHandler, guard *busyGuard) fixture {
	t.Helper()
	reg := executor.NewRegistry()
	for _, kind := range models.ActionKinds {
		if kind == models.ActionCustom {
			continue
		}
		if err := reg.Register(kind, handler); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	store := repo.NewMemoryStore()
	publisher := &recordingPublisher{}
	c := Components{
		Metrics:   metricstore.New(metricstore.Options{}, nil),
		Detector:  detector.New(detector.DefaultConfig(), nil),
		Planner:   planner.New(planner.DefaultCatalogue()),
		Executor:  executor.New(executor.Config{RollbackEnabled: true}, reg, nil, nil, executor.WithStore(store)),
		Learning:  learning.NewTracker(nil, store),
		Store:     store,
		Publisher: publisher,
	}
	if guard != nil {
		c.Guard = guard
	}
	e, err := New(cfg, c, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return fixture{engine: e, handler: handler, publisher: publisher, store: store}
}

func sample(value float64) models.MetricSample {
	return models.MetricSample{
		ResourceID: "web-1",
		MetricName: "cpu_usage",
		Value:      value,
		Timestamp:  time.Now().UTC(),
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Components{}, nil); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestIngestRejectsInvalidSamples(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedHandler{}, nil)
	bad := []models.MetricSample{
		{MetricName: "cpu_usage", Value: 1},
		{ResourceID: "web-1", Value: 1},
	}
	for _, s := range bad {
		if _, err := f.engine.IngestMetric(context.Background(), s); !errors.Is(err, ErrInvalidSample) {
			t.Fatalf("expected ErrInvalidSample for %+v, got %v", s, err)
		}
	}
}

func TestIngestAutoHealsCriticalAnomaly(t *testing.T) {
	handler := &scriptedHandler{success: map[models.ActionKind]bool{models.ActionScaleUp: true}}
	f := newFixture(t, Config{AutoHeal: true}, handler, nil)

	ids, err := f.engine.IngestMetric(context.Background(), sample(95))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one anomaly, got %v", ids)
	}
	f.engine.Wait()

	if got := handler.callCount(); got != 1 {
		t.Fatalf("expected one handler call, got %d", got)
	}
	if rate := f.engine.PredictedSuccessRate(models.AnomalyPerformance, "cpu_usage"); rate != 1 {
		t.Fatalf("expected learned rate 1, got %f", rate)
	}
	if active := f.engine.ActiveAnomalies(); len(active) != 0 {
		t.Fatalf("expected anomaly resolved, still active: %+v", active)
	}
	if _, err := f.store.GetAnomaly(context.Background(), ids[0]); err != nil {
		t.Fatalf("anomaly not persisted: %v", err)
	}
	records, _ := f.store.ListLearningRecords(context.Background())
	if len(records) != 1 || !records[0].Success {
		t.Fatalf("expected one successful learning record, got %+v", records)
	}

	want := []string{events.TypeAnomalyDetected, events.TypePlanGenerated, events.TypePlanCompleted}
	got := f.publisher.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestIngestWithoutAutoHealLeavesAnomalyOpen(t *testing.T) {
	handler := &scriptedHandler{}
	f := newFixture(t, Config{}, handler, nil)

	ids, err := f.engine.IngestMetric(context.Background(), sample(95))
	if err != nil || len(ids) != 1 {
		t.Fatalf("ingest: %v %v", ids, err)
	}
	f.engine.Wait()
	if handler.callCount() != 0 {
		t.Fatalf("expected no healing while disabled")
	}
	active := f.engine.ActiveAnomalies()
	if len(active) != 1 || active[0].State != models.AnomalyOpen {
		t.Fatalf("expected one open anomaly, got %+v", active)
	}

	f.engine.EnableHealing()
	if !f.engine.HealingEnabled() {
		t.Fatalf("expected healing enabled")
	}
	f.engine.DisableHealing()
	if f.engine.HealingEnabled() {
		t.Fatalf("expected healing disabled")
	}
}

func TestGuardSkipsConcurrentHealing(t *testing.T) {
	handler := &scriptedHandler{success: map[models.ActionKind]bool{models.ActionScaleUp: true}}
	guard := &busyGuard{held: map[string]bool{
		GuardKey(models.SeriesKey{ResourceID: "web-1", MetricName: "cpu_usage"}): true,
	}}
	f := newFixture(t, Config{AutoHeal: true}, handler, guard)

	if _, err := f.engine.IngestMetric(context.Background(), sample(95)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.engine.Wait()
	if handler.callCount() != 0 {
		t.Fatalf("expected guard to block healing")
	}
}

func TestGuardOutageFallsBackToLocalGuard(t *testing.T) {
	handler := &scriptedHandler{success: map[models.ActionKind]bool{models.ActionScaleUp: true}}
	guard := &busyGuard{held: map[string]bool{}, err: errors.New("valkey down")}
	f := newFixture(t, Config{AutoHeal: true}, handler, guard)

	if _, err := f.engine.IngestMetric(context.Background(), sample(95)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.engine.Wait()
	if handler.callCount() != 1 {
		t.Fatalf("expected healing to proceed on guard outage, got %d calls", handler.callCount())
	}
}

func TestExecutePlanFailureMarksUnresolved(t *testing.T) {
	handler := &scriptedHandler{info: models.RollbackInfo{"replicas": "2"}}
	f := newFixture(t, Config{}, handler, nil)

	ids, err := f.engine.IngestMetric(context.Background(), sample(95))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	anomaly, err := f.engine.GetAnomaly(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get anomaly: %v", err)
	}

	plan := f.engine.GetPlan(anomaly)
	executions := f.engine.ExecutePlan(context.Background(), plan)
	if len(executions) != len(plan.Actions) {
		t.Fatalf("expected every action attempted, got %d", len(executions))
	}
	for _, exec := range executions {
		if exec.Status != models.StatusFailed {
			t.Fatalf("expected failed executions, got %s", exec.Status)
		}
	}
	if rate := f.engine.PredictedSuccessRate(models.AnomalyPerformance, "cpu_usage"); rate != 0 {
		t.Fatalf("expected learned rate 0, got %f", rate)
	}
	if len(f.engine.ActiveAnomalies()) != 0 {
		t.Fatalf("expected anomaly closed as unresolved")
	}

	if !f.engine.Rollback(context.Background(), executions[0].ID) {
		t.Fatalf("expected rollback of failed execution")
	}
	rolled, err := f.engine.GetExecution(context.Background(), executions[0].ID)
	if err != nil || rolled.Status != models.StatusRolledBack {
		t.Fatalf("expected rolled back execution, got %+v %v", rolled, err)
	}
	if f.engine.Rollback(context.Background(), executions[0].ID) {
		t.Fatalf("expected second rollback to be refused")
	}
	types := f.publisher.types()
	if types[len(types)-1] != events.TypeExecutionRolledBk {
		t.Fatalf("expected rollback event last, got %v", types)
	}
}

func TestExecutePlanUnknownAnomalyStillRuns(t *testing.T) {
	handler := &scriptedHandler{success: map[models.ActionKind]bool{models.ActionRestartService: true}}
	f := newFixture(t, Config{}, handler, nil)

	plan := models.HealingPlan{
		ID:         "plan-x",
		AnomalyID:  "missing",
		ResourceID: "web-1",
		Actions:    []models.Action{{Kind: models.ActionRestartService}},
	}
	executions := f.engine.ExecutePlan(context.Background(), plan)
	if len(executions) != 1 || executions[0].Status != models.StatusSuccess {
		t.Fatalf("unexpected executions %+v", executions)
	}
	if f.engine.Insights().TotalAttempts != 0 {
		t.Fatalf("expected no learning record without an anomaly")
	}
}

func TestSystemHealth(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedHandler{}, nil)
	if h := f.engine.SystemHealth(); h.HealthScore != 100 || h.Status != "excellent" {
		t.Fatalf("unexpected empty health %+v", h)
	}

	if _, err := f.engine.IngestMetric(context.Background(), sample(95)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.engine.IngestMetric(context.Background(), models.MetricSample{
		ResourceID: "web-2", MetricName: "cpu_usage", Value: 85, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	h := f.engine.SystemHealth()
	if h.HealthScore != 70 || h.Status != "fair" {
		t.Fatalf("expected 70/fair, got %d/%s", h.HealthScore, h.Status)
	}
	if h.RecentAnomalies != 2 || h.AnomaliesBySeverity[models.SeverityCritical] != 1 || h.AnomaliesBySeverity[models.SeverityHigh] != 1 {
		t.Fatalf("unexpected counts %+v", h)
	}
}

func TestHealthStatusBuckets(t *testing.T) {
	cases := map[int]string{100: "excellent", 90: "excellent", 75: "good", 50: "fair", 25: "poor", 24: "critical", 0: "critical"}
	for score, want := range cases {
		if got := HealthStatus(score); got != want {
			t.Fatalf("HealthStatus(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestShouldHeal(t *testing.T) {
	if !ShouldHeal(models.Anomaly{Severity: models.SeverityHigh}) {
		t.Fatalf("high severity should heal")
	}
	if !ShouldHeal(models.Anomaly{Severity: models.SeverityMedium, Confidence: 0.85}) {
		t.Fatalf("confident medium anomaly should heal")
	}
	if ShouldHeal(models.Anomaly{Severity: models.SeverityMedium, Confidence: 0.8}) {
		t.Fatalf("confidence must exceed 0.8")
	}
}

func TestSweepPrunesClosedAnomalies(t *testing.T) {
	f := newFixture(t, Config{AnomalyRetention: time.Hour}, &scriptedHandler{}, nil)
	if _, err := f.engine.IngestMetric(context.Background(), sample(95)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, pruned := f.engine.Sweep(time.Now().UTC().Add(2 * time.Hour))
	if pruned != 1 {
		t.Fatalf("expected one anomaly pruned, got %d", pruned)
	}
	if len(f.engine.ActiveAnomalies()) != 0 {
		t.Fatalf("expected tracked set empty after sweep")
	}
}

func TestShutdownStopsNewRuns(t *testing.T) {
	handler := &scriptedHandler{success: map[models.ActionKind]bool{models.ActionScaleUp: true}}
	f := newFixture(t, Config{AutoHeal: true}, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := f.engine.IngestMetric(context.Background(), sample(95)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.engine.Wait()
	if handler.callCount() != 0 {
		t.Fatalf("expected no healing after shutdown")
	}
}
