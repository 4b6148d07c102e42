package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers default values for every configuration key.
func SetDefaults() {
	// Gateway
	viper.SetDefault("gateway.port", 7357)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 60)
	viper.SetDefault("gateway.rate_limit.burst", 10)
	viper.SetDefault("gateway.min_client_version", "")

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "")

	// Provider
	viper.SetDefault("provider.default", "anthropic")
	viper.SetDefault("provider.enabled", []string{"anthropic"})
	viper.SetDefault("provider.anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("provider.anthropic.max_tokens", 8192)
	viper.SetDefault("provider.openai.endpoint", "http://localhost:11434/v1")
	viper.SetDefault("provider.openai.model", "gpt-4o-mini")
	viper.SetDefault("provider.openai.max_tokens", 8192)

	// Context budget fallbacks (used when the model catalog has no entry)
	viper.SetDefault("context.max_tokens", 200000)
	viper.SetDefault("context.output_reserve", 32000)

	// Compression triggers and tier shares
	viper.SetDefault("compression.light_threshold", 0.65)
	viper.SetDefault("compression.medium_threshold", 0.75)
	viper.SetDefault("compression.heavy_threshold", 0.85)
	viper.SetDefault("compression.emergency_threshold", 0.95)
	viper.SetDefault("compression.task_boost", 0.05)
	viper.SetDefault("compression.recent_share", 0.50)
	viper.SetDefault("compression.compressed_share", 0.25)
	viper.SetDefault("compression.semantic_share", 0.15)
	viper.SetDefault("compression.pinned_share", 0.10)

	// Estimator
	viper.SetDefault("estimator.chars_per_token", 3.0)
	viper.SetDefault("estimator.window_size", 20)
	viper.SetDefault("estimator.half_life", 30*time.Minute)
	viper.SetDefault("estimator.confidence_bar", 0.8)
	viper.SetDefault("estimator.loose_threshold", 0.70)
	viper.SetDefault("estimator.tight_threshold", 0.90)
	viper.SetDefault("estimator.overhead", 1.25)

	// Session queueing
	viper.SetDefault("session.queue_cap", 100)
	viper.SetDefault("session.queue_timeout", 10*time.Minute)
	viper.SetDefault("session.lock_timeout", 5*time.Minute)
	viper.SetDefault("session.batch_size", 3)
	viper.SetDefault("session.spam_depth", 10)
	viper.SetDefault("session.min_inter_arrival", 500*time.Millisecond)

	// Overflow recovery
	viper.SetDefault("overflow.auto_cooldown", 60*time.Second)
	viper.SetDefault("overflow.periodic_cooldown", 30*time.Second)
	viper.SetDefault("overflow.min_messages", 10)
	viper.SetDefault("overflow.chunk_group_size", 2)

	// Maintenance jobs (six-field cron specs, seconds first)
	viper.SetDefault("maintenance.enabled", true)
	viper.SetDefault("maintenance.compaction_spec", "*/30 * * * * *")
	viper.SetDefault("maintenance.pin_prune_spec", "0 0 * * * *")
	viper.SetDefault("maintenance.cleanup_spec", "0 */10 * * * *")
	viper.SetDefault("maintenance.flush_spec", "0 */5 * * * *")
}
