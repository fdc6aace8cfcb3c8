package detector

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSensitivity is the z-score threshold used when a metric has no rule.
const DefaultSensitivity = 2.0

// Rule holds the static thresholds and statistical sensitivity for one metric.
type Rule struct {
	ThresholdHigh     float64 `yaml:"threshold_high"`
	ThresholdCritical float64 `yaml:"threshold_critical"`
	Sensitivity       float64 `yaml:"sensitivity"`
}

// Config is the injected rule table.
type Config struct {
	DefaultSensitivity float64         `yaml:"default_sensitivity"`
	Rules              map[string]Rule `yaml:"rules"`
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultSensitivity: DefaultSensitivity,
		Rules: map[string]Rule{
			"cpu_utilization":    {ThresholdHigh: 90, ThresholdCritical: 95, Sensitivity: 2.0},
			"memory_utilization": {ThresholdHigh: 85, ThresholdCritical: 95, Sensitivity: 2.0},
			"disk_utilization":   {ThresholdHigh: 80, ThresholdCritical: 90, Sensitivity: 1.5},
			"response_time":      {ThresholdHigh: 2000, ThresholdCritical: 5000, Sensitivity: 2.5},
			"error_rate":         {ThresholdHigh: 5, ThresholdCritical: 10, Sensitivity: 2.0},
			"cpu_usage":          {ThresholdHigh: 80, ThresholdCritical: 90, Sensitivity: 2.0},
			"memory_usage":       {ThresholdHigh: 85, ThresholdCritical: 95, Sensitivity: 2.0},
			"latency":            {ThresholdHigh: 2000, ThresholdCritical: 5000, Sensitivity: 2.5},
		},
	}
}

// LoadConfig reads rules from a YAML file layered over DefaultConfig. A
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read detection rules: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse detection rules: %w", err)
	}
	if file.DefaultSensitivity > 0 {
		cfg.DefaultSensitivity = file.DefaultSensitivity
	}
	for metric, rule := range file.Rules {
		cfg.Rules[metric] = rule
	}
	return cfg, cfg.Validate()
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	for metric, rule := range c.Rules {
		if rule.ThresholdHigh > 0 && rule.ThresholdCritical > 0 && rule.ThresholdCritical < rule.ThresholdHigh {
			return fmt.Errorf("rule %s: threshold_critical %.2f below threshold_high %.2f", metric, rule.ThresholdCritical, rule.ThresholdHigh)
		}
		if rule.Sensitivity < 0 {
			return fmt.Errorf("rule %s: negative sensitivity", metric)
		}
	}
	return nil
}

func (c Config) sensitivity(metric string) float64 {
	if rule, ok := c.Rules[metric]; ok && rule.Sensitivity > 0 {
		return rule.Sensitivity
	}
	if c.DefaultSensitivity > 0 {
		return c.DefaultSensitivity
	}
	return DefaultSensitivity
}
