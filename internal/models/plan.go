package models

import (
	"fmt"
	"strings"
)

// ActionKind enumerates the supported remediation capabilities.
type ActionKind string

const (
	ActionRestartService    ActionKind = "restart_service"
	ActionScaleUp           ActionKind = "scale_up"
	ActionScaleDown         ActionKind = "scale_down"
	ActionFailover          ActionKind = "failover"
	ActionCleanLogs         ActionKind = "clean_logs"
	ActionOptimizeResources ActionKind = "optimize_resources"
	ActionCustom            ActionKind = "custom"
)

// ActionKinds lists every built-in kind, custom last.
var ActionKinds = []ActionKind{
	ActionRestartService,
	ActionScaleUp,
	ActionScaleDown,
	ActionFailover,
	ActionCleanLogs,
	ActionOptimizeResources,
	ActionCustom,
}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is a remediation step. Handler is only set for custom actions.
type Action struct {
	Kind    ActionKind `json:"kind" yaml:"kind"`
	Handler string     `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// Name renders the action as "kind" or "custom:<handler>".
func (a Action) Name() string {
	if a.Kind == ActionCustom {
		return string(ActionCustom) + ":" + a.Handler
	}
	return string(a.Kind)
}

func (a Action) String() string { return a.Name() }

// ParseAction accepts the forms produced by Name.
func ParseAction(value string) (Action, error) {
	value = strings.TrimSpace(value)
	if handler, ok := strings.CutPrefix(value, string(ActionCustom)+":"); ok {
		if handler == "" {
			return Action{}, fmt.Errorf("custom action requires a handler id")
		}
		return Action{Kind: ActionCustom, Handler: handler}, nil
	}
	kind := ActionKind(value)
	if !kind.Valid() || kind == ActionCustom {
		return Action{}, fmt.Errorf("unknown action %q", value)
	}
	return Action{Kind: kind}, nil
}

// RiskLevel grades how disruptive an action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionCandidate is one ranked entry of a plan with its effective estimates.
type ActionCandidate struct {
	Action          Action    `json:"action"`
	SuccessRate     float64   `json:"success_rate"`
	DurationMinutes int       `json:"duration_minutes"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Learned         bool      `json:"learned"`
}

// HealingPlan is the ranked remediation proposal for one anomaly. Read-only once created.
type HealingPlan struct {
	ID                   string            `json:"id"`
	AnomalyID            string            `json:"anomaly_id"`
	ResourceID           string            `json:"resource_id"`
	Pattern              string            `json:"pattern"`
	Actions              []Action          `json:"actions"`
	Candidates           []ActionCandidate `json:"candidates"`
	EstimatedSuccessRate float64           `json:"estimated_success_rate"`
	EstimatedDuration    int               `json:"estimated_duration_minutes"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	Prerequisites        []string          `json:"prerequisites"`
	RollbackPlan         []string          `json:"rollback_plan"`
}
