// Package config loads the cascaded configuration: a YAML file layered under
// environment-variable overrides, unmarshaled into the subsystem config
// structs and validated as a whole.
package config

import (
	"fmt"

	"github.com/emberworks/cascade/internal/breaker"
	"github.com/emberworks/cascade/internal/dispatch"
	"github.com/emberworks/cascade/internal/embeddings"
	"github.com/emberworks/cascade/internal/logging"
	"github.com/emberworks/cascade/internal/memory"
	"github.com/emberworks/cascade/internal/pipeline"
	"github.com/emberworks/cascade/internal/provider"
	"github.com/emberworks/cascade/internal/ratelimit"
	"github.com/emberworks/cascade/internal/roles"
)

// LoggingConfig is the file-facing logging section. The level is carried as a
// string so "trace".."error" round-trips through YAML and env vars.
type LoggingConfig struct {
	Level  string            `koanf:"level"`
	Format string            `koanf:"format"`
	Fields map[string]string `koanf:"fields"`
}

// ToLogging converts the section into the logging package's config.
func (c LoggingConfig) ToLogging() (*logging.Config, error) {
	cfg := logging.NewDefaultConfig()
	if c.Level != "" {
		lvl, err := logging.LevelFromString(c.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	for k, v := range c.Fields {
		cfg.Fields[k] = v
	}
	return cfg, nil
}

// Config is the complete cascaded configuration.
type Config struct {
	Logging    LoggingConfig       `koanf:"logging"`
	Provider   provider.HTTPConfig `koanf:"provider"`
	Embeddings embeddings.Config   `koanf:"embeddings"`
	RateLimit  ratelimit.Config    `koanf:"rate_limit"`
	Breaker    breaker.Config      `koanf:"breaker"`
	Dispatch   dispatch.Config     `koanf:"dispatch"`
	Memory     memory.Config       `koanf:"memory"`

	// Telemetry toggles OpenTelemetry metric instruments.
	Telemetry bool `koanf:"telemetry"`

	// MaxParallelStages bounds concurrently executing stages and
	// collaborative participants.
	MaxParallelStages int `koanf:"max_parallel_stages"`

	Roles  []roles.Role               `koanf:"roles"`
	Stages []pipeline.StageDefinition `koanf:"stages"`
}

// ApplyDefaults fills zero values with defaults across all sections.
func (c *Config) ApplyDefaults() {
	c.Provider.ApplyDefaults()
	c.Embeddings.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Breaker.ApplyDefaults()
	c.Dispatch.ApplyDefaults()
	c.Memory.ApplyDefaults()
	if c.MaxParallelStages == 0 {
		c.MaxParallelStages = 3
	}
}

// Validate checks every section. Stage wiring is validated again by the
// engine; this catches the per-section errors early with file-relative
// context.
func (c *Config) Validate() error {
	if _, err := c.Logging.ToLogging(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if c.MaxParallelStages < 1 {
		return fmt.Errorf("max_parallel_stages must be >= 1, got %d", c.MaxParallelStages)
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, r := range c.Roles {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("role %q: %w", r.ID, err)
		}
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	return nil
}
