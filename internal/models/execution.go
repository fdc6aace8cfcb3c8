package models

import "time"

// ExecutionStatus is the state of a HealingExecution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
	StatusCancelled  ExecutionStatus = "cancelled"
)

var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusRolledBack},
}

// CanTransition reports whether the state machine allows s -> next.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no forward transition other than rollback remains.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// RollbackInfo is the handler-captured state needed to reverse one step.
type RollbackInfo map[string]string

// HealingExecution records one attempted action.
type HealingExecution struct {
	ID            string                  `json:"id"`
	PlanID        string                  `json:"plan_id"`
	ResourceID    string                  `json:"resource_id"`
	Action        Action                  `json:"action"`
	Status        ExecutionStatus         `json:"status"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   time.Time               `json:"completed_at"`
	Success       bool                    `json:"success"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	MetricsBefore map[string]float64      `json:"metrics_before,omitempty"`
	MetricsAfter  map[string]float64      `json:"metrics_after,omitempty"`
	RollbackData  map[string]RollbackInfo `json:"rollback_data,omitempty"`
}

// Duration is completed_at - started_at, zero while unfinished.
func (e HealingExecution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Clone returns a deep copy so callers cannot mutate executor-owned state.
func (e HealingExecution) Clone() HealingExecution {
	out := e
	out.MetricsBefore = cloneFloats(e.MetricsBefore)
	out.MetricsAfter = cloneFloats(e.MetricsAfter)
	if e.RollbackData != nil {
		out.RollbackData = make(map[string]RollbackInfo, len(e.RollbackData))
		for step, info := range e.RollbackData {
			copied := make(RollbackInfo, len(info))
			for k, v := range info {
				copied[k] = v
			}
			out.RollbackData[step] = copied
		}
	}
	return out
}

func cloneFloats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
