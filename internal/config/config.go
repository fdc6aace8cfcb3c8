package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config captures the settings required to boot the healing engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Detection  DetectionConfig  `yaml:"detection"`
	Healing    HealingConfig    `yaml:"healing"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Core       CoreClientConfig `yaml:"core"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Runbook    RunbookConfig    `yaml:"runbook"`
	Events     EventsConfig     `yaml:"events"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DetectionConfig controls the metric windows and detector rules.
type DetectionConfig struct {
	RulesPath      string        `yaml:"rulesPath"`
	Retention      time.Duration `yaml:"retention"`
	BaselineWindow time.Duration `yaml:"baselineWindow"`
	MinSamples     int           `yaml:"minSamples"`
}

// HealingConfig controls planning and execution policy.
type HealingConfig struct {
	AutoHeal         bool          `yaml:"autoHeal"`
	CataloguePath    string        `yaml:"cataloguePath"`
	RollbackEnabled  bool          `yaml:"rollbackEnabled"`
	ActionTimeout    time.Duration `yaml:"actionTimeout"`
	GuardTTL         time.Duration `yaml:"guardTTL"`
	AnomalyRetention time.Duration `yaml:"anomalyRetention"`
	CustomActions    []string      `yaml:"customActions"`
}

// CacheConfig controls the Valkey-backed healing guard and snapshot cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
	PatternsTTL  time.Duration `yaml:"patternsTTL"`
}

// StoreConfig selects where anomalies, plans, executions and learning records live.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// PrometheusConfig configures metric snapshots from a Prometheus-compatible API.
type PrometheusConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Queries map[string]string `yaml:"queries"`
}

// CoreClientConfig configures snapshots served by mirador-core.
type CoreClientConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	SnapshotPath string        `yaml:"snapshotPath"`
	Timeout      time.Duration `yaml:"timeout"`
}

// KubernetesConfig configures deployment restart and scaling actions.
type KubernetesConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Kubeconfig       string        `yaml:"kubeconfig"`
	InCluster        bool          `yaml:"inCluster"`
	DefaultNamespace string        `yaml:"defaultNamespace"`
	ScaleStep        int32         `yaml:"scaleStep"`
	MinReplicas      int32         `yaml:"minReplicas"`
	MaxReplicas      int32         `yaml:"maxReplicas"`
	VerifyTimeout    time.Duration `yaml:"verifyTimeout"`
	VerifyInterval   time.Duration `yaml:"verifyInterval"`
}

// RunbookConfig configures the webhook that serves the remaining actions.
type RunbookConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig configures the NATS JetStream bus.
type EventsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"`
	Durable          string        `yaml:"durable"`
	EventMaxAge      time.Duration `yaml:"eventMaxAge"`
	SampleMaxAge     time.Duration `yaml:"sampleMaxAge"`
	SampleStaleAfter time.Duration `yaml:"sampleStaleAfter"`
	SubscribeSamples bool          `yaml:"subscribeSamples"`
}

// SchedulerConfig controls background maintenance jobs. Schedules use the
// six-field cron syntax with seconds.
type SchedulerConfig struct {
	SweepSchedule   string        `yaml:"sweepSchedule"`
	PatternSchedule string        `yaml:"patternSchedule"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_HEAL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if c.Detection.MinSamples < 0 {
		return fmt.Errorf("detection.minSamples must not be negative")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Detection: DetectionConfig{
			RulesPath:      "configs/detection.yaml",
			Retention:      24 * time.Hour,
			BaselineWindow: 7 * 24 * time.Hour,
			MinSamples:     10,
		},
		Healing: HealingConfig{
			AutoHeal:         true,
			CataloguePath:    "configs/catalogue.yaml",
			RollbackEnabled:  true,
			ActionTimeout:    300 * time.Second,
			GuardTTL:         30 * time.Minute,
			AnomalyRetention: 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SnapshotTTL:  10 * time.Minute,
			PatternsTTL:  time.Hour,
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Prometheus: PrometheusConfig{Timeout: 5 * time.Second},
		Core: CoreClientConfig{
			SnapshotPath: "/api/v1/heal/metrics/snapshot",
			Timeout:      5 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			DefaultNamespace: "default",
			ScaleStep:        1,
			MinReplicas:      1,
			MaxReplicas:      20,
			VerifyTimeout:    2 * time.Minute,
			VerifyInterval:   2 * time.Second,
		},
		Runbook: RunbookConfig{Timeout: 30 * time.Second},
		Events: EventsConfig{
			Durable:          "heal-engine",
			EventMaxAge:      72 * time.Hour,
			SampleMaxAge:     time.Hour,
			SampleStaleAfter: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			SweepSchedule:   "0 */5 * * * *",
			PatternSchedule: "0 */15 * * * *",
			JobTimeout:      time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_HEAL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_HEAL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_HEAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_HEAL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_HEAL_RULES_PATH"); v != "" {
		cfg.Detection.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_HEAL_CATALOGUE_PATH"); v != "" {
		cfg.Healing.CataloguePath = v
	}
	if v, ok := envBool("MIRADOR_HEAL_AUTO_HEAL"); ok {
		cfg.Healing.AutoHeal = v
	}
	if v, ok := envBool("MIRADOR_HEAL_ROLLBACK_ENABLED"); ok {
		cfg.Healing.RollbackEnabled = v
	}
	if d, ok := envDuration("MIRADOR_HEAL_ACTION_TIMEOUT"); ok {
		cfg.Healing.ActionTimeout = d
	}
	if v := os.Getenv("MIRADOR_HEAL_CUSTOM_ACTIONS"); v != "" {
		cfg.Healing.CustomActions = splitList(v)
	}
	if v, ok := envBool("MIRADOR_HEAL_CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = v
	}
	if v := os.Getenv("MIRADOR_HEAL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_HEAL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_HEAL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_HEAL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v, ok := envBool("MIRADOR_HEAL_CACHE_TLS"); ok {
		cfg.Cache.TLS = v
	}
	if d, ok := envDuration("MIRADOR_HEAL_CACHE_SNAPSHOT_TTL"); ok {
		cfg.Cache.SnapshotTTL = d
	}
	if v := os.Getenv("MIRADOR_HEAL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_HEAL_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("MIRADOR_HEAL_PROMETHEUS_URL"); v != "" {
		cfg.Prometheus.URL = v
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.Core.BaseURL = v
	}
	if v, ok := envBool("MIRADOR_HEAL_KUBERNETES_ENABLED"); ok {
		cfg.Kubernetes.Enabled = v
	}
	if v := os.Getenv("MIRADOR_HEAL_KUBECONFIG"); v != "" {
		cfg.Kubernetes.Kubeconfig = v
	}
	if v, ok := envBool("MIRADOR_HEAL_KUBERNETES_IN_CLUSTER"); ok {
		cfg.Kubernetes.InCluster = v
	}
	if v := os.Getenv("MIRADOR_HEAL_KUBERNETES_NAMESPACE"); v != "" {
		cfg.Kubernetes.DefaultNamespace = v
	}
	if v := os.Getenv("MIRADOR_HEAL_RUNBOOK_URL"); v != "" {
		cfg.Runbook.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_HEAL_RUNBOOK_TOKEN"); v != "" {
		cfg.Runbook.Token = v
	}
	if v, ok := envBool("MIRADOR_HEAL_EVENTS_ENABLED"); ok {
		cfg.Events.Enabled = v
	}
	if v := os.Getenv("MIRADOR_HEAL_NATS_URL"); v != "" {
		cfg.Events.URL = v
	}
	if v, ok := envBool("MIRADOR_HEAL_SUBSCRIBE_SAMPLES"); ok {
		cfg.Events.SubscribeSamples = v
	}
	if v := os.Getenv("MIRADOR_HEAL_SWEEP_SCHEDULE"); v != "" {
		cfg.Scheduler.SweepSchedule = v
	}
	if v := os.Getenv("MIRADOR_HEAL_PATTERN_SCHEDULE"); v != "" {
		cfg.Scheduler.PatternSchedule = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1", true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
