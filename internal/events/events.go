package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// Event types published by the healing engine.
const (
	TypeAnomalyDetected   = "anomaly.detected"
	TypePlanGenerated     = "plan.generated"
	TypePlanCompleted     = "plan.completed"
	TypeExecutionRolledBk = "execution.rolled_back"
)

// Event is the JSON envelope published on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher emits healing events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards events.
type NoopPublisher struct{}

// Publish discards the event.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }

func newEvent(eventType, subject string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "heal-engine",
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// AnomalyDetected builds the event announcing a new anomaly.
func AnomalyDetected(anomaly models.Anomaly) (Event, error) {
	return newEvent(TypeAnomalyDetected, fmt.Sprintf("heal.anomaly.%s.detected", subjectToken(anomaly.ResourceID)), anomaly)
}

// PlanGenerated builds the event announcing a plan about to run.
func PlanGenerated(plan models.HealingPlan) (Event, error) {
	return newEvent(TypePlanGenerated, fmt.Sprintf("heal.plan.%s.generated", subjectToken(plan.ResourceID)), plan)
}

// PlanOutcome is the payload of a completed plan.
type PlanOutcome struct {
	Plan       models.HealingPlan        `json:"plan"`
	Executions []models.HealingExecution `json:"executions"`
	Success    bool                      `json:"success"`
}

// PlanCompleted builds the event carrying a plan's executions.
func PlanCompleted(plan models.HealingPlan, executions []models.HealingExecution) (Event, error) {
	outcome := PlanOutcome{Plan: plan, Executions: executions}
	for _, exec := range executions {
		if exec.Status == models.StatusSuccess {
			outcome.Success = true
			break
		}
	}
	return newEvent(TypePlanCompleted, fmt.Sprintf("heal.plan.%s.completed", subjectToken(plan.ResourceID)), outcome)
}

// ExecutionRolledBack builds the event for a successful rollback.
func ExecutionRolledBack(execution models.HealingExecution) (Event, error) {
	return newEvent(TypeExecutionRolledBk, fmt.Sprintf("heal.execution.%s.rolled_back", subjectToken(execution.ResourceID)), execution)
}

// subjectToken makes a resource id safe as a single NATS subject token.
func subjectToken(value string) string {
	if value == "" {
		return "unknown"
	}
	out := []byte(value)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
