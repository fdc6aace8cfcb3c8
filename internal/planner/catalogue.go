package planner

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// Pattern keys understood by the default catalogue.
const (
	PatternHighCPU          = "high_cpu"
	PatternHighMemory       = "high_memory"
	PatternHighDisk         = "high_disk"
	PatternHighResponseTime = "high_response_time"
	PatternHighErrorRate    = "high_error_rate"
)

// Entry is a static candidate estimate in the catalogue.
type Entry struct {
	Action          string           `yaml:"action"`
	SuccessRate     float64          `yaml:"success_rate"`
	DurationMinutes int              `yaml:"duration_minutes"`
	RiskLevel       models.RiskLevel `yaml:"risk_level"`
}

// Catalogue maps pattern keys onto ordered candidate actions.
type Catalogue struct {
	DefaultPattern string              `yaml:"default_pattern"`
	Patterns       map[string][]Entry  `yaml:"patterns"`
	Prerequisites  map[string][]string `yaml:"prerequisites"`
	RollbackPlans  map[string][]string `yaml:"rollback_plans"`
}

// DefaultCatalogue returns the built-in remediation catalogue.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		DefaultPattern: PatternHighCPU,
		Patterns: map[string][]Entry{
			PatternHighCPU: {
				{Action: string(models.ActionScaleUp), SuccessRate: 0.85, DurationMinutes: 15, RiskLevel: models.RiskMedium},
				{Action: string(models.ActionRestartService), SuccessRate: 0.70, DurationMinutes: 5, RiskLevel: models.RiskLow},
			},
			PatternHighMemory: {
				{Action: string(models.ActionRestartService), SuccessRate: 0.80, DurationMinutes: 5, RiskLevel: models.RiskLow},
				{Action: string(models.ActionCleanLogs), SuccessRate: 0.60, DurationMinutes: 10, RiskLevel: models.RiskLow},
			},
			PatternHighDisk: {
				{Action: string(models.ActionCleanLogs), SuccessRate: 0.75, DurationMinutes: 10, RiskLevel: models.RiskLow},
				{Action: string(models.ActionScaleUp), SuccessRate: 0.90, DurationMinutes: 20, RiskLevel: models.RiskMedium},
			},
			PatternHighResponseTime: {
				{Action: string(models.ActionScaleUp), SuccessRate: 0.85, DurationMinutes: 15, RiskLevel: models.RiskMedium},
				{Action: string(models.ActionOptimizeResources), SuccessRate: 0.70, DurationMinutes: 30, RiskLevel: models.RiskLow},
			},
			PatternHighErrorRate: {
				{Action: string(models.ActionRestartService), SuccessRate: 0.75, DurationMinutes: 5, RiskLevel: models.RiskLow},
				{Action: string(models.ActionFailover), SuccessRate: 0.95, DurationMinutes: 30, RiskLevel: models.RiskHigh},
			},
		},
		Prerequisites: map[string][]string{
			string(models.ActionScaleUp):           {"Check resource limits", "Verify scaling group"},
			string(models.ActionScaleDown):         {"Confirm load has subsided"},
			string(models.ActionRestartService):    {"Backup current state", "Check dependencies"},
			string(models.ActionFailover):          {"Verify secondary systems", "Check data sync"},
			string(models.ActionCleanLogs):         {"Identify safe cleanup targets"},
			string(models.ActionOptimizeResources): {"Analyze resource usage patterns"},
		},
		RollbackPlans: map[string][]string{
			string(models.ActionScaleUp):           {"Scale down to original size"},
			string(models.ActionScaleDown):         {"Scale up to original size"},
			string(models.ActionRestartService):    {"Restore from backup if needed"},
			string(models.ActionFailover):          {"Failback to primary system"},
			string(models.ActionCleanLogs):         {"Restore from backup if needed"},
			string(models.ActionOptimizeResources): {"Revert configuration changes"},
		},
	}
}

// LoadCatalogue reads a YAML catalogue. Patterns in the file replace the
// built-in pattern of the same key; a missing file yields the defaults.
func LoadCatalogue(path string) (Catalogue, error) {
	cat := DefaultCatalogue()
	if path == "" {
		return cat, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cat, nil
		}
		return cat, fmt.Errorf("read catalogue: %w", err)
	}

	var file Catalogue
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cat, fmt.Errorf("parse catalogue: %w", err)
	}
	if file.DefaultPattern != "" {
		cat.DefaultPattern = file.DefaultPattern
	}
	for key, entries := range file.Patterns {
		cat.Patterns[key] = entries
	}
	for action, steps := range file.Prerequisites {
		cat.Prerequisites[action] = steps
	}
	for action, steps := range file.RollbackPlans {
		cat.RollbackPlans[action] = steps
	}
	return cat, cat.Validate()
}

// Validate checks that every entry names a known action and a sane rate.
func (c Catalogue) Validate() error {
	for key, entries := range c.Patterns {
		for _, entry := range entries {
			if _, err := models.ParseAction(entry.Action); err != nil {
				return fmt.Errorf("pattern %s: %w", key, err)
			}
			if entry.SuccessRate < 0 || entry.SuccessRate > 1 {
				return fmt.Errorf("pattern %s: action %s success_rate %.2f outside [0,1]", key, entry.Action, entry.SuccessRate)
			}
		}
	}
	return nil
}

// Resolve returns the entries for key, falling back to the default pattern.
// The returned key is the pattern actually used; ok is false when neither
// the key nor the default exists.
func (c Catalogue) Resolve(key string) (string, []Entry, bool) {
	if entries, ok := c.Patterns[key]; ok && len(entries) > 0 {
		return key, entries, true
	}
	if entries, ok := c.Patterns[c.DefaultPattern]; ok && len(entries) > 0 {
		return c.DefaultPattern, entries, true
	}
	return key, nil, false
}
