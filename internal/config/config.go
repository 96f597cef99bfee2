// Package config loads the orchestrator's configuration from an optional
// maestro.yaml, environment variables with the MAESTRO_ prefix, and built-in
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"maestro/internal/observability"
)

// Config carries every tunable the orchestrator reads at startup.
type Config struct {
	HTTPPort int    `mapstructure:"http_port"`
	RPCPort  int    `mapstructure:"rpc_port"`
	LogLevel string `mapstructure:"log_level"`

	AdmissionQueueSize int `mapstructure:"admission_queue_size"`
	AgentInboxSize     int `mapstructure:"agent_inbox_size"`
	GatewaySendBuffer  int `mapstructure:"gateway_send_buffer"`

	TaskTimeoutDefault   time.Duration `mapstructure:"task_timeout_default"`
	TimeoutSweepInterval time.Duration `mapstructure:"timeout_sweep_interval"`

	AgentInactiveThreshold time.Duration `mapstructure:"agent_inactive_threshold"`
	AgentDeadThreshold     time.Duration `mapstructure:"agent_dead_threshold"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	DeadCheckInterval      time.Duration `mapstructure:"dead_check_interval"`

	EventHistorySize int           `mapstructure:"event_history_size"`
	SeedFile         string        `mapstructure:"seed_file"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`

	Tracing observability.TracingConfig `mapstructure:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:               8080,
		RPCPort:                9090,
		LogLevel:               "info",
		AdmissionQueueSize:     1000,
		AgentInboxSize:         100,
		GatewaySendBuffer:      256,
		TaskTimeoutDefault:     30 * time.Second,
		TimeoutSweepInterval:   30 * time.Second,
		AgentInactiveThreshold: 2 * time.Minute,
		AgentDeadThreshold:     5 * time.Minute,
		HealthCheckInterval:    30 * time.Second,
		DeadCheckInterval:      60 * time.Second,
		EventHistorySize:       512,
		ShutdownTimeout:        30 * time.Second,
		Tracing: observability.TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration. path may be empty, in which case maestro.yaml is
// searched in the working directory and $HOME; a missing file is fine,
// defaults and environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("maestro")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing implicit file is fine; anything else is not.
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// errorsAs is a tiny wrapper so Load reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port %d out of range", c.RPCPort)
	}
	if c.HTTPPort == c.RPCPort {
		return fmt.Errorf("http_port and rpc_port are both %d", c.HTTPPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	for name, n := range map[string]int{
		"admission_queue_size": c.AdmissionQueueSize,
		"agent_inbox_size":     c.AgentInboxSize,
		"gateway_send_buffer":  c.GatewaySendBuffer,
		"event_history_size":   c.EventHistorySize,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	for name, d := range map[string]time.Duration{
		"task_timeout_default":     c.TaskTimeoutDefault,
		"timeout_sweep_interval":   c.TimeoutSweepInterval,
		"agent_inactive_threshold": c.AgentInactiveThreshold,
		"agent_dead_threshold":     c.AgentDeadThreshold,
		"health_check_interval":    c.HealthCheckInterval,
		"dead_check_interval":      c.DeadCheckInterval,
		"shutdown_timeout":         c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("http_port", def.HTTPPort)
	v.SetDefault("rpc_port", def.RPCPort)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("admission_queue_size", def.AdmissionQueueSize)
	v.SetDefault("agent_inbox_size", def.AgentInboxSize)
	v.SetDefault("gateway_send_buffer", def.GatewaySendBuffer)
	v.SetDefault("task_timeout_default", def.TaskTimeoutDefault)
	v.SetDefault("timeout_sweep_interval", def.TimeoutSweepInterval)
	v.SetDefault("agent_inactive_threshold", def.AgentInactiveThreshold)
	v.SetDefault("agent_dead_threshold", def.AgentDeadThreshold)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("dead_check_interval", def.DeadCheckInterval)
	v.SetDefault("event_history_size", def.EventHistorySize)
	v.SetDefault("seed_file", def.SeedFile)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", def.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", "maestro")
}
