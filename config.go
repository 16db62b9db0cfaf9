package sqlflow

import (
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the ambient configuration for one SQLFlow run: which embedded
// engine dialect and mode to use, where the watermark store lives, and the
// default resilience policy per connector family. The full profile schema
// (connector credentials, per-environment databases, CLI defaults) is an
// external collaborator per spec.md §1 — this is only what the core itself
// consults.
type Config struct {
	Dialect string `yaml:"dialect"`

	// Engine is the embedded SQL engine's connection settings.
	Engine EngineConfig `yaml:"engine"`

	// Watermark is the durable cursor store's settings.
	Watermark WatermarkConfig `yaml:"watermark"`

	// Resilience holds named presets, keyed by connector family
	// ("database", "rest", or a specific connector type), merged over the
	// built-in per-family defaults returned by resilience.PolicyFor.
	Resilience map[string]ResiliencePreset `yaml:"resilience"`
}

// EngineConfig selects in-memory (ephemeral, per-run) or persistent mode for
// the embedded engine adapter (spec.md §4.7).
type EngineConfig struct {
	// Dialect is "sqlite" (the default when empty), "postgres", or "mysql".
	Dialect string `yaml:"dialect"`
	// Mode is "memory" or "persistent".
	Mode string `yaml:"mode"`
	// Path is the file/DSN used when Mode is "persistent".
	Path string `yaml:"path"`
}

// WatermarkConfig points at the durable key-value file backing the watermark
// state manager (spec.md §4.11). An empty Path means per-process only
// (dev-mode, in-memory).
type WatermarkConfig struct {
	Path string `yaml:"path"`
}

// ResiliencePreset mirrors the tunables in spec.md §4.10.
type ResiliencePreset struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelayMillis  int     `yaml:"initial_delay_ms"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier"`
	MaxRequestsPerMin   int     `yaml:"max_requests_per_minute"`
	BurstSize           int     `yaml:"burst_size"`
	FailureThreshold    int     `yaml:"failure_threshold"`
	RecoveryTimeoutSecs int     `yaml:"recovery_timeout_seconds"`
	SuccessThreshold    int     `yaml:"success_threshold"`
}

// LoadConfig reads and validates a YAML configuration file, expanding
// ${ENV}-style references in string values against the process environment
// (loading a local .env file first, exactly as the teacher's config loader
// does before any env-var expansion).
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.Watermark.Path = ExpandEnv(cfg.Watermark.Path)
	cfg.Engine.Path = ExpandEnv(cfg.Engine.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate applies the minimal sanity checks the core relies on.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "", "memory", "persistent":
	default:
		return fmt.Errorf("%w: engine.mode must be memory or persistent, got %q", ErrConfigValidation, c.Engine.Mode)
	}

	if c.Engine.Mode == "persistent" && c.Engine.Path == "" {
		return fmt.Errorf("%w: engine.mode=persistent requires engine.path", ErrConfigValidation)
	}

	return nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv expands ${VAR} references in s against the process environment,
// leaving the reference untouched if the variable is unset. Used by the
// parameter schema framework (C9) for string-valued connector parameters and
// by Config for engine/watermark paths.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}

		return match
	})
}
