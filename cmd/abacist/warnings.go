package main

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wikimedia/analytics-abacist/internal/config"
	"github.com/wikimedia/analytics-abacist/internal/updater"
)

// logConfigWarnings logs settings that are valid but risky in production.
func logConfigWarnings(cfg config.Config) {
	if cfg.CircuitBreakerThreshold == 0 {
		log.Warn().Msg("CIRCUIT_BREAKER_THRESHOLD=0: the process exits on the first event whose retries are exhausted")
	}
	if !cfg.MetricsEnabled {
		log.Warn().Msg("METRICS_ENABLED=false: dropped events and store failures are only visible in logs")
	}
	// breaker cooldowns end at the drain deadline; one retry window must fit
	window := updater.RetryWindow(cfg.StoreMaxAttempts)
	if cfg.DrainTimeout > 0 && cfg.DrainTimeout < window {
		log.Warn().
			Dur("drain_timeout", cfg.DrainTimeout).
			Int("store_max_attempts", cfg.StoreMaxAttempts).
			Dur("retry_window", window).
			Msg("DRAIN_TIMEOUT is shorter than one retry window; buffered events may be lost on shutdown")
	}
	if cfg.FeedGroupID != "" && cfg.FeedGroupID != "abacist" && !strings.HasPrefix(cfg.FeedEndpoint, "kafka://") {
		log.Info().Str("feed_group_id", cfg.FeedGroupID).Msg("FEED_GROUP_ID only applies to kafka:// endpoints")
	}
}
