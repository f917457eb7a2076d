// Package config loads engine configuration from file, environment, and
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin/query HTTP surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EngineConfig captures the decision-phase interval, iteration, timeout,
// and relaxation knobs.
type EngineConfig struct {
	MinPlacementInterval        time.Duration `json:"min_placement_interval" yaml:"min_placement_interval" env:"ENGINE_MIN_PLACEMENT_INTERVAL"`
	MinConstraintCheckInterval  time.Duration `json:"min_constraint_check_interval" yaml:"min_constraint_check_interval" env:"ENGINE_MIN_CONSTRAINT_CHECK_INTERVAL"`
	MinLoadBalancingInterval    time.Duration `json:"min_load_balancing_interval" yaml:"min_load_balancing_interval" env:"ENGINE_MIN_LOAD_BALANCING_INTERVAL"`
	BalancingDelayAfterNodeDown time.Duration `json:"balancing_delay_after_node_down" yaml:"balancing_delay_after_node_down" env:"ENGINE_BALANCING_DELAY_AFTER_NODE_DOWN"`
	BalancingDelayAfterNewNode  time.Duration `json:"balancing_delay_after_new_node" yaml:"balancing_delay_after_new_node" env:"ENGINE_BALANCING_DELAY_AFTER_NEW_NODE"`

	ConstraintCheckIterationsPerRound int           `json:"constraint_check_iterations_per_round" yaml:"constraint_check_iterations_per_round" env:"ENGINE_CONSTRAINT_CHECK_ITERATIONS_PER_ROUND"`
	ConstraintCheckSearchTimeout      time.Duration `json:"constraint_check_search_timeout" yaml:"constraint_check_search_timeout" env:"ENGINE_CONSTRAINT_CHECK_SEARCH_TIMEOUT"`
	MaxSimulatedAnnealingIterations   int           `json:"max_simulated_annealing_iterations" yaml:"max_simulated_annealing_iterations" env:"ENGINE_MAX_SA_ITERATIONS"`
	BalancingThreshold                float64       `json:"balancing_threshold" yaml:"balancing_threshold" env:"ENGINE_BALANCING_THRESHOLD"`

	PreventTransientOvercommit                      bool `json:"prevent_transient_overcommit" yaml:"prevent_transient_overcommit" env:"ENGINE_PREVENT_TRANSIENT_OVERCOMMIT"`
	RelaxCapacityConstraintForUpgrade               bool `json:"relax_capacity_constraint_for_upgrade" yaml:"relax_capacity_constraint_for_upgrade" env:"ENGINE_RELAX_CAPACITY_FOR_UPGRADE"`
	CheckAffinityForUpgradePlacement                bool `json:"check_affinity_for_upgrade_placement" yaml:"check_affinity_for_upgrade_placement" env:"ENGINE_CHECK_AFFINITY_FOR_UPGRADE"`
	RelaxScaleoutConstraintDuringUpgrade            bool `json:"relax_scaleout_constraint_during_upgrade" yaml:"relax_scaleout_constraint_during_upgrade" env:"ENGINE_RELAX_SCALEOUT_DURING_UPGRADE"`
	IsSingletonReplicaMoveAllowedDuringUpgradeEntry bool `json:"singleton_replica_move_allowed_during_upgrade_entry" yaml:"singleton_replica_move_allowed_during_upgrade_entry" env:"ENGINE_SINGLETON_MOVE_DURING_UPGRADE"`
	RelaxAffinityConstraintDuringUpgrade            bool `json:"relax_affinity_constraint_during_upgrade" yaml:"relax_affinity_constraint_during_upgrade" env:"ENGINE_RELAX_AFFINITY_DURING_UPGRADE"`

	RefreshCronExpression string        `json:"refresh_cron_expression" yaml:"refresh_cron_expression" env:"ENGINE_REFRESH_CRON"`
	RefreshTickInterval   time.Duration `json:"refresh_tick_interval" yaml:"refresh_tick_interval" env:"ENGINE_REFRESH_TICK_INTERVAL"`

	FatalOnInvariantViolation bool `json:"fatal_on_invariant_violation" yaml:"fatal_on_invariant_violation" env:"ENGINE_FATAL_ON_INVARIANT_VIOLATION"`

	ClusterCapacityBufferPercent map[string]float64 `json:"cluster_capacity_buffer_percent" yaml:"cluster_capacity_buffer_percent"`
}

// AuthConfig holds static API tokens loaded from configuration. No HTTP
// handler or middleware reads them: the HTTP surface does not authenticate
// requests.
type AuthConfig struct {
	Tokens []string `json:"tokens" yaml:"tokens"`
}

// NotifyConfig configures the optional ephemeral Redis pub/sub broadcaster.
type NotifyConfig struct {
	RedisAddr    string `json:"redis_addr" yaml:"redis_addr" env:"NOTIFY_REDIS_ADDR"`
	RedisChannel string `json:"redis_channel" yaml:"redis_channel" env:"NOTIFY_REDIS_CHANNEL"`
}

// DiagnosticsConfig controls the process-diagnostics endpoint.
type DiagnosticsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"DIAGNOSTICS_ENABLED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			MinPlacementInterval:              5 * time.Second,
			MinConstraintCheckInterval:        30 * time.Second,
			MinLoadBalancingInterval:          60 * time.Second,
			BalancingDelayAfterNodeDown:       10 * time.Second,
			BalancingDelayAfterNewNode:        10 * time.Second,
			ConstraintCheckIterationsPerRound: 50,
			ConstraintCheckSearchTimeout:      2 * time.Second,
			MaxSimulatedAnnealingIterations:   2000,
			BalancingThreshold:                0.05,
			PreventTransientOvercommit:        true,
			RefreshTickInterval:               5 * time.Second,
			FatalOnInvariantViolation:         false,
		},
		Diagnostics: DiagnosticsConfig{Enabled: true},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file (used by tests).
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
