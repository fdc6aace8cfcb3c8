package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/api"
	"github.com/miradorstack/mirador-heal/internal/engine"
	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/repo"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// Engine is the healing pipeline the gRPC service fronts.
type Engine interface {
	IngestMetric(ctx context.Context, sample models.MetricSample) ([]string, error)
	GetAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	GetPlan(anomaly models.Anomaly) models.HealingPlan
	ExecutePlan(ctx context.Context, plan models.HealingPlan) []models.HealingExecution
	Rollback(ctx context.Context, executionID string) bool
	GetExecution(ctx context.Context, executionID string) (models.HealingExecution, error)
	PredictedSuccessRate(anomalyType models.AnomalyType, metricName string) float64
	SystemHealth() models.SystemHealth
}

// HealerService implements the gRPC HealerEngine service.
type HealerService struct {
	api.UnimplementedHealerEngineServer

	logger    *slog.Logger
	engine    Engine
	latencies *utils.LatencyTracker
	executed  atomic.Int64
}

// NewHealerService constructs the healing service facade.
func NewHealerService(logger *slog.Logger, engine Engine) *HealerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealerService{
		logger:    logger,
		engine:    engine,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// IngestMetric feeds one sample through detection.
func (s *HealerService) IngestMetric(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	sample, err := api.FromStructSample(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ids, err := s.engine.IngestMetric(ctx, sample)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidSample) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Error("ingest failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "ingest failed")
	}
	return reply(api.IngestResponse{AnomalyIDs: ids})
}

// GetPlan returns the ranked plan for {"anomaly_id"} or an inline {"anomaly"}.
func (s *HealerService) GetPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	anomaly, err := s.resolveAnomaly(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(s.engine.GetPlan(anomaly))
}

// ExecutePlan runs {"plan"} or the generated plan for {"anomaly_id"}. A plan
// in which no action succeeded is reported as Unavailable, carrying the
// executions as a status detail.
func (s *HealerService) ExecutePlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}

	var plan models.HealingPlan
	found, err := api.FromStructField(req, "plan", &plan)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !found {
		anomaly, err := s.resolveAnomaly(ctx, req)
		if err != nil {
			return nil, err
		}
		plan = s.engine.GetPlan(anomaly)
	}
	if err := validatePlan(plan); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	executions := s.engine.ExecutePlan(ctx, plan)
	s.observe(time.Since(start))

	resp := api.ExecuteResponse{PlanID: plan.ID, Executions: executions}
	var failures []string
	for _, exec := range executions {
		if exec.Status == models.StatusSuccess {
			resp.Success = true
		}
		if exec.ErrorMessage != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", exec.Action.Name(), exec.ErrorMessage))
		}
	}
	out, err := reply(resp)
	if err != nil || resp.Success {
		return out, err
	}

	msg := "healing plan failed"
	if len(failures) > 0 {
		msg += ": " + strings.Join(failures, "; ")
	}
	st, detailErr := status.New(codes.Unavailable, msg).WithDetails(out)
	if detailErr != nil {
		return nil, status.Error(codes.Unavailable, msg)
	}
	return nil, st.Err()
}

// Rollback reverses {"execution_id"}.
func (s *HealerService) Rollback(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	id, err := api.StringField(req, "execution_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ok := s.engine.Rollback(ctx, id)
	if !ok {
		_, err := s.engine.GetExecution(ctx, id)
		if errors.Is(err, executor.ErrExecutionNotFound) || errors.Is(err, repo.ErrNotFound) {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("execution %s not found", id))
		}
	}
	return reply(api.RollbackResponse{ExecutionID: id, RolledBack: ok})
}

// GetPredictedSuccessRate returns the learned rate for {"anomaly_type", "metric_name"}.
func (s *HealerService) GetPredictedSuccessRate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	anomalyType, err := api.StringField(req, "anomaly_type")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	metricName, err := api.StringField(req, "metric_name")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rate := s.engine.PredictedSuccessRate(models.AnomalyType(anomalyType), metricName)
	return reply(api.SuccessRateResponse{
		AnomalyType: models.AnomalyType(anomalyType),
		MetricName:  metricName,
		SuccessRate: rate,
	})
}

// GetSystemHealth returns the current health score.
func (s *HealerService) GetSystemHealth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.engine == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	return reply(s.engine.SystemHealth())
}

// ExecuteLatencyP95 returns the current p95 plan execution latency.
func (s *HealerService) ExecuteLatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *HealerService) resolveAnomaly(ctx context.Context, req *structpb.Struct) (models.Anomaly, error) {
	if req == nil {
		return models.Anomaly{}, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	var anomaly models.Anomaly
	found, err := api.FromStructField(req, "anomaly", &anomaly)
	if err != nil {
		return models.Anomaly{}, status.Error(codes.InvalidArgument, err.Error())
	}
	if found {
		if anomaly.ID == "" || anomaly.ResourceID == "" || anomaly.MetricName == "" {
			return models.Anomaly{}, status.Error(codes.InvalidArgument, "anomaly requires id, resource_id and metric_name")
		}
		return anomaly, nil
	}

	id, err := api.StringField(req, "anomaly_id")
	if err != nil {
		return models.Anomaly{}, status.Error(codes.InvalidArgument, "anomaly_id or anomaly is required")
	}
	anomaly, err = s.engine.GetAnomaly(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrAnomalyNotFound) {
			return models.Anomaly{}, status.Error(codes.NotFound, err.Error())
		}
		s.logger.Error("anomaly lookup failed", slog.String("anomaly_id", id), slog.Any("error", err))
		return models.Anomaly{}, status.Error(codes.Internal, "anomaly lookup failed")
	}
	return anomaly, nil
}

func (s *HealerService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if n := s.executed.Add(1); n%20 == 0 {
		s.logger.Info("plan execution latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("window", s.latencies.Count()),
			slog.Int64("plans", n))
	}
}

func validatePlan(plan models.HealingPlan) error {
	switch {
	case plan.ID == "":
		return fmt.Errorf("plan.id is required")
	case plan.ResourceID == "":
		return fmt.Errorf("plan.resource_id is required")
	case len(plan.Actions) == 0:
		return fmt.Errorf("plan.actions must not be empty")
	}
	for _, action := range plan.Actions {
		if !action.Kind.Valid() || (action.Kind == models.ActionCustom && action.Handler == "") {
			return fmt.Errorf("invalid action %q", action.Name())
		}
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
