package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/engine"
	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
)

type engineStub struct {
	ingestErr  error
	anomalies  map[string]models.Anomaly
	executions []models.HealingExecution
	executed   []models.HealingPlan
	rolledBack bool
	known      map[string]bool
	rate       float64
}

func (e *engineStub) IngestMetric(_ context.Context, sample models.MetricSample) ([]string, error) {
	if e.ingestErr != nil {
		return nil, e.ingestErr
	}
	return []string{"anomaly-" + sample.ResourceID}, nil
}

func (e *engineStub) GetAnomaly(_ context.Context, id string) (models.Anomaly, error) {
	a, ok := e.anomalies[id]
	if !ok {
		return models.Anomaly{}, fmt.Errorf("%w: %s", engine.ErrAnomalyNotFound, id)
	}
	return a, nil
}

func (e *engineStub) GetPlan(anomaly models.Anomaly) models.HealingPlan {
	return models.HealingPlan{
		ID:         "plan-" + anomaly.ID,
		AnomalyID:  anomaly.ID,
		ResourceID: anomaly.ResourceID,
		Actions:    []models.Action{{Kind: models.ActionScaleUp}},
	}
}

func (e *engineStub) ExecutePlan(_ context.Context, plan models.HealingPlan) []models.HealingExecution {
	e.executed = append(e.executed, plan)
	return e.executions
}

func (e *engineStub) Rollback(context.Context, string) bool { return e.rolledBack }

func (e *engineStub) GetExecution(_ context.Context, id string) (models.HealingExecution, error) {
	if e.known[id] {
		return models.HealingExecution{ID: id}, nil
	}
	return models.HealingExecution{}, executor.ErrExecutionNotFound
}

func (e *engineStub) PredictedSuccessRate(models.AnomalyType, string) float64 { return e.rate }

func (e *engineStub) SystemHealth() models.SystemHealth {
	return models.SystemHealth{HealthScore: 80, Status: "good"}
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}
	return s
}

func TestIngestMetric(t *testing.T) {
	service := NewHealerService(nil, &engineStub{})
	resp, err := service.IngestMetric(context.Background(), mustStruct(t, map[string]any{
		"resource_id": "web-1",
		"metric_name": "cpu_usage",
		"value":       95.0,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := resp.GetFields()["anomaly_ids"].GetListValue().GetValues()
	if len(ids) != 1 || ids[0].GetStringValue() != "anomaly-web-1" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestIngestMetricInvalid(t *testing.T) {
	service := NewHealerService(nil, &engineStub{ingestErr: fmt.Errorf("%w: value must be finite", engine.ErrInvalidSample)})
	_, err := service.IngestMetric(context.Background(), mustStruct(t, map[string]any{"resource_id": "web-1"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = service.IngestMetric(context.Background(), mustStruct(t, map[string]any{
		"resource_id": "web-1", "metric_name": "cpu_usage", "value": 1.0,
	}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected engine validation to map to invalid argument, got %v", err)
	}
}

func TestGetPlanUnknownAnomaly(t *testing.T) {
	service := NewHealerService(nil, &engineStub{})
	_, err := service.GetPlan(context.Background(), mustStruct(t, map[string]any{"anomaly_id": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = service.GetPlan(context.Background(), mustStruct(t, map[string]any{}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestExecutePlanSuccess(t *testing.T) {
	stub := &engineStub{
		anomalies:  map[string]models.Anomaly{"a1": {ID: "a1", ResourceID: "web-1", MetricName: "cpu_usage"}},
		executions: []models.HealingExecution{{ID: "e1", Status: models.StatusSuccess, Success: true, Action: models.Action{Kind: models.ActionScaleUp}}},
	}
	service := NewHealerService(nil, stub)

	resp, err := service.ExecutePlan(context.Background(), mustStruct(t, map[string]any{"anomaly_id": "a1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.GetFields()["success"].GetBoolValue() || resp.GetFields()["plan_id"].GetStringValue() != "plan-a1" {
		t.Fatalf("unexpected response %v", resp)
	}
	if len(stub.executed) != 1 {
		t.Fatalf("expected plan executed")
	}
}

func TestExecutePlanFailureIsUnavailable(t *testing.T) {
	stub := &engineStub{
		executions: []models.HealingExecution{{
			ID:           "e1",
			Status:       models.StatusFailed,
			Action:       models.Action{Kind: models.ActionScaleUp},
			ErrorMessage: "quota exceeded",
		}},
	}
	service := NewHealerService(nil, stub)

	req := mustStruct(t, map[string]any{"plan": map[string]any{
		"id":          "plan-1",
		"resource_id": "web-1",
		"actions":     []any{map[string]any{"kind": "scale_up"}},
	}})
	_, err := service.ExecutePlan(context.Background(), req)
	st := status.Convert(err)
	if st.Code() != codes.Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if want := "scale_up: quota exceeded"; !strings.Contains(st.Message(), want) {
		t.Fatalf("expected message to carry %q, got %q", want, st.Message())
	}
	if len(st.Details()) != 1 {
		t.Fatalf("expected executions detail, got %v", st.Details())
	}
}

func TestExecutePlanRejectsInvalidPlan(t *testing.T) {
	service := NewHealerService(nil, &engineStub{})
	req := mustStruct(t, map[string]any{"plan": map[string]any{"id": "plan-1", "resource_id": "web-1"}})
	if _, err := service.ExecutePlan(context.Background(), req); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRollback(t *testing.T) {
	stub := &engineStub{known: map[string]bool{"e1": true}}
	service := NewHealerService(nil, stub)

	resp, err := service.Rollback(context.Background(), mustStruct(t, map[string]any{"execution_id": "e1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.GetFields()["rolled_back"].GetBoolValue() {
		t.Fatalf("expected rollback refused")
	}

	_, err = service.Rollback(context.Background(), mustStruct(t, map[string]any{"execution_id": "ghost"}))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetPredictedSuccessRate(t *testing.T) {
	service := NewHealerService(nil, &engineStub{rate: 0.7})
	resp, err := service.GetPredictedSuccessRate(context.Background(), mustStruct(t, map[string]any{
		"anomaly_type": "performance",
		"metric_name":  "cpu_usage",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.GetFields()["success_rate"].GetNumberValue() != 0.7 {
		t.Fatalf("unexpected response %v", resp)
	}
	if _, err := service.GetPredictedSuccessRate(context.Background(), mustStruct(t, map[string]any{})); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGetSystemHealth(t *testing.T) {
	service := NewHealerService(nil, &engineStub{})
	resp, err := service.GetSystemHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.GetFields()["status"].GetStringValue() != "good" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestNilEngine(t *testing.T) {
	service := NewHealerService(nil, nil)
	if _, err := service.GetSystemHealth(context.Background(), nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}
