// Package config loads the memscope process configuration from the environment.
package config

import (
	"fmt"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres archive and Redis publisher configuration
//   - http.go: HTTP server configuration
//   - pipeline.go: Job pipeline, tool and acquisition configuration
//   - services.go: Service mode, worker and evictor configuration
//   - observability.go: Logging, metrics and failure notifications
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,worker,evictor"`

	// Pipeline and tool configuration
	Pipeline PipelineConfig `envPrefix:"PIPELINE_"`
	Tools    ToolsConfig    `envPrefix:"TOOLS_"`

	// Eviction configuration
	Eviction EvictionConfig `envPrefix:"EVICTION_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.HTTP.Sanitize()
	c.Pipeline.Sanitize()
	c.Tools.Sanitize()
	c.Eviction.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports configuration errors that Sanitize cannot repair.
func (c *AppConfig) Validate() error {
	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the job workers run in this process.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsEvictorEnabled returns true if the evictor service is enabled.
func (c *AppConfig) IsEvictorEnabled() bool {
	return c.serviceEnabled(ServiceModeEvictor)
}
