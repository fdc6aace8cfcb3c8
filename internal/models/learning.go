package models

import "time"

// ActionAttempt is the outcome of one action inside a recorded plan execution.
type ActionAttempt struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

// LearningRecord captures the outcome of one plan execution. Append-only.
type LearningRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	AnomalyID       string          `json:"anomaly_id"`
	PlanID          string          `json:"plan_id"`
	AnomalyType     AnomalyType     `json:"anomaly_type"`
	MetricName      string          `json:"metric_name"`
	Severity        Severity        `json:"severity"`
	Actions         []string        `json:"actions"`
	Attempts        []ActionAttempt `json:"attempts"`
	Success         bool            `json:"success"`
	DurationMinutes float64         `json:"duration_minutes"`
}

// PatternKey identifies a row of the success pattern table.
type PatternKey struct {
	AnomalyType AnomalyType
	MetricName  string
}

func (k PatternKey) String() string {
	return string(k.AnomalyType) + ":" + k.MetricName
}

// Insights summarises the learning history.
type Insights struct {
	TotalAttempts      int                `json:"total_attempts"`
	SuccessfulAttempts int                `json:"successful_attempts"`
	OverallSuccessRate float64            `json:"overall_success_rate"`
	TopPatterns        map[string]float64 `json:"top_patterns"`
	AverageDuration    float64            `json:"average_duration_minutes"`
}

// ActionStat is the observed record of one action within a mined pattern.
type ActionStat struct {
	Action      string  `json:"action"`
	Attempts    int     `json:"attempts"`
	SuccessRate float64 `json:"success_rate"`
}

// RemediationPattern aggregates the healing history of one pattern key.
type RemediationPattern struct {
	Key                 string       `json:"key"`
	AnomalyType         AnomalyType  `json:"anomaly_type"`
	MetricName          string       `json:"metric_name"`
	Occurrences         int          `json:"occurrences"`
	Prevalence          float64      `json:"prevalence"`
	SuccessRate         float64      `json:"success_rate"`
	MeanDurationMinutes float64      `json:"mean_duration_minutes"`
	LastSeen            time.Time    `json:"last_seen"`
	Actions             []ActionStat `json:"actions"`
}
