package config

import (
	"errors"
	"fmt"
	"strings"

	id "switchboard/internal/shared/utils/id"
)

// Validate rejects configurations the orchestrator cannot run with.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Executable.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("executable.timeout must be positive"))
	}
	if cfg.Executable.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("executable.grace_period must not be negative"))
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be positive, got %d", cfg.Scheduler.MaxConcurrent))
	}
	if cfg.Scheduler.StartsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("scheduler.starts_per_second must not be negative"))
	}
	if strings.TrimSpace(cfg.Runs.Root) == "" {
		errs = append(errs, fmt.Errorf("runs.root is required"))
	}
	if cfg.Runs.Retention <= 0 {
		errs = append(errs, fmt.Errorf("runs.retention must be positive"))
	}
	if cfg.Runs.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("runs.cleanup_interval must be positive"))
	}
	if cfg.Progress.SweepInterval <= 0 || cfg.Sessions.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep intervals must be positive"))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			errs = append(errs, fmt.Errorf("tracing.exporter must be otlp or zipkin, got %q", cfg.Tracing.Exporter))
		}
	}
	if _, err := id.ParseStrategy(cfg.IDs.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("ids.strategy: %w", err))
	}
	return errors.Join(errs...)
}
