package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the bounded job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeEvictor runs the evictor that removes old terminal jobs.
	ServiceModeEvictor ServiceMode = "evictor"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeEvictor,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeEvictor:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, evictor)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// EvictionConfig contains evictor service configuration.
type EvictionConfig struct {
	// Interval is the evictor tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// Retention is how long a terminal job stays in the job table.
	Retention time.Duration `env:"RETENTION" envDefault:"24h"`

	// RemoveImages deletes memory images acquired by evicted jobs.
	RemoveImages bool `env:"REMOVE_IMAGES" envDefault:"true"`

	// ArchiveRetention bounds how long archived jobs are kept in Postgres. Zero keeps them forever.
	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"0"`
}

// Sanitize applies guardrails to eviction configuration values.
func (e *EvictionConfig) Sanitize() {
	if e.Interval < 10*time.Second {
		e.Interval = 10 * time.Second
	}
	if e.Retention < time.Minute {
		e.Retention = time.Minute
	}
	if e.ArchiveRetention < 0 {
		e.ArchiveRetention = 0
	} else if e.ArchiveRetention > 0 && e.ArchiveRetention < e.Retention {
		e.ArchiveRetention = e.Retention
	}
}
