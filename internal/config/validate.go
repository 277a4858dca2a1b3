package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// INDEX_MODE must be "memory" or "redis"
	if cfg.IndexMode != "" && cfg.IndexMode != "memory" && cfg.IndexMode != "redis" {
		errs = append(errs, ValidationError{
			Field:   "INDEX_MODE",
			Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", cfg.IndexMode),
		})
	}

	// REDIS_ADDR is required when the redis index is selected
	if cfg.IndexMode == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when INDEX_MODE=redis",
		})
	}

	// TICK_INTERVAL must be a valid positive duration
	if cfg.TickIntervalStr != "" {
		d, err := time.ParseDuration(cfg.TickIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// RETRY_DELAY must be a valid positive duration
	if cfg.RetryDelayStr != "" {
		d, err := time.ParseDuration(cfg.RetryDelayStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "RETRY_DELAY",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "RETRY_DELAY",
				Message: "must be positive",
			})
		}
	}

	// Connector URLs must look like URLs
	for name, url := range cfg.Connectors {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			errs = append(errs, ValidationError{
				Field:   "CONNECTORS",
				Message: fmt.Sprintf("service %q: endpoint %q must start with http:// or https://", name, url),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
