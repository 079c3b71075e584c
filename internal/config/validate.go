package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/wikimedia/analytics-abacist/internal/logging"
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

var feedSchemes = []string{"tcp://", "ipc://", "redis://", "kafka://"}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// FEED_ENDPOINT is required
	if cfg.FeedEndpoint == "" {
		add("FEED_ENDPOINT", "required")
	} else if !hasAnyPrefix(cfg.FeedEndpoint, feedSchemes) {
		add("FEED_ENDPOINT", "must start with one of %s, got %q", strings.Join(feedSchemes, ", "), cfg.FeedEndpoint)
	}

	if cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required")
	}
	if strings.Contains(cfg.KeyNamespace, " ") {
		add("KEY_NAMESPACE", "must not contain spaces")
	}

	checkDuration := func(field, raw string, allowZero bool) {
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			add(field, "invalid duration: %v", err)
		case d < 0 || (d == 0 && !allowZero):
			add(field, "must be positive")
		}
	}
	checkDuration("STORE_OP_TIMEOUT", cfg.StoreOpTimeoutStr, true)
	checkDuration("EVENTBUS_EMIT_TIMEOUT", cfg.EventBusEmitTimeoutStr, true)
	checkDuration("DRAIN_TIMEOUT", cfg.DrainTimeoutStr, false)
	checkDuration("CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr, false)
	checkDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr, false)

	if cfg.StoreMaxAttempts < 1 {
		add("STORE_MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.EventBusBufferSize < 1 {
		add("EVENTBUS_BUFFER_SIZE", "must be at least 1")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.MetricsEnabled {
		if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
			add("METRICS_PORT", "must be between 1 and 65535, got %d", cfg.MetricsPort)
		}
		if !strings.HasPrefix(cfg.MetricsPath, "/") {
			add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
		}
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		add("LOG_LEVEL", "unknown level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "json", "console", "auto":
	default:
		add("LOG_FORMAT", "must be 'json', 'console' or 'auto', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
