package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Limits are the default container resource limits applied at create time.
// They are immutable for a container's lifetime.
type Limits struct {
	CPULimit   float64 `yaml:"cpu_limit" json:"cpu_limit"`
	MemLimitMB int     `yaml:"mem_limit_mb" json:"mem_limit_mb"`

	// MemLimit accepts human-readable sizes ("512m", "2g") and takes
	// precedence over mem_limit_mb when set.
	MemLimit string `yaml:"mem_limit" json:"mem_limit,omitempty"`

	PidsLimit   int    `yaml:"pids_limit" json:"pids_limit"`
	NetworkMode string `yaml:"network_mode" json:"network_mode"`
}

type Config struct {
	Listen      string `yaml:"listen"`
	APIKey      string `yaml:"api_key"`
	Environment string `yaml:"environment"` // local, staging, production
	LogLevel    string `yaml:"log_level"`

	SentryDSN              string  `yaml:"sentry_dsn"`
	SentryTracesSampleRate float64 `yaml:"sentry_traces_sample_rate"`

	// Runtime is the container runtime handed to the daemon (runc or runsc).
	Runtime string `yaml:"runtime"`

	// MaxExecutionSeconds is the global wall-clock budget for a session's
	// cumulative command execution. It is not reset per command.
	MaxExecutionSeconds int `yaml:"max_execution_seconds"`

	// KeepTemplate retains pulled base images after one-shot runs.
	KeepTemplate bool `yaml:"keep_template"`

	DBPath            string `yaml:"db_path"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`

	Defaults Limits `yaml:"defaults"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:              "127.0.0.1:8080",
		Environment:         "local",
		LogLevel:            "info",
		Runtime:             "runc",
		MaxExecutionSeconds: 600,
		DBPath:              "./kapsel.db",
		SessionTTLSeconds:   1800,
		Defaults: Limits{
			CPULimit:    1.0,
			MemLimitMB:  512,
			PidsLimit:   256,
			NetworkMode: "none",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Defaults.ResolveMemLimit(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveMemLimit folds a human-readable mem_limit into MemLimitMB.
func (l *Limits) ResolveMemLimit() error {
	if l.MemLimit == "" {
		return nil
	}
	bytes, err := units.RAMInBytes(l.MemLimit)
	if err != nil {
		return fmt.Errorf("invalid mem_limit %q: %w", l.MemLimit, err)
	}
	l.MemLimitMB = int(bytes / (1024 * 1024))
	return nil
}

func (c *Config) validate() error {
	if c.Runtime != "runc" && c.Runtime != "runsc" {
		return fmt.Errorf("unknown runtime: %s (want runc or runsc)", c.Runtime)
	}
	switch c.Environment {
	case "local", "staging", "production":
	default:
		return fmt.Errorf("unknown environment: %s", c.Environment)
	}
	if c.MaxExecutionSeconds <= 0 {
		return fmt.Errorf("max_execution_seconds must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAPSEL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KAPSEL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("KAPSEL_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("KAPSEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KAPSEL_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
	if v := os.Getenv("KAPSEL_SENTRY_TRACES_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SentryTracesSampleRate = f
		}
	}
	if v := os.Getenv("KAPSEL_RUNTIME"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("KAPSEL_MAX_EXECUTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxExecutionSeconds = n
		}
	}
	if v := os.Getenv("KAPSEL_KEEP_TEMPLATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.KeepTemplate = b
		}
	}
	if v := os.Getenv("KAPSEL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KAPSEL_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("KAPSEL_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CPULimit = f
		}
	}
	if v := os.Getenv("KAPSEL_MEM_LIMIT"); v != "" {
		cfg.Defaults.MemLimit = v
	}
	if v := os.Getenv("KAPSEL_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MemLimitMB = n
		}
	}
	if v := os.Getenv("KAPSEL_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.PidsLimit = n
		}
	}
	if v := os.Getenv("KAPSEL_NETWORK_MODE"); v != "" {
		cfg.Defaults.NetworkMode = v
	}
}
