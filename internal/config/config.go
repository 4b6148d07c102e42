// Package config loads and persists loom configuration.
//
// Precedence: environment (LOOM_*) > config file > defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Version     string            `mapstructure:"version" yaml:"version"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Provider    ProviderConfig    `mapstructure:"provider" yaml:"provider"`
	Context     ContextConfig     `mapstructure:"context" yaml:"context"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Estimator   EstimatorConfig   `mapstructure:"estimator" yaml:"estimator"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Overflow    OverflowConfig    `mapstructure:"overflow" yaml:"overflow"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Port             int             `mapstructure:"port" yaml:"port"`
	Host             string          `mapstructure:"host" yaml:"host"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	MinClientVersion string          `mapstructure:"min_client_version" yaml:"min_client_version"`
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig configures the database.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ProviderConfig selects and configures model providers.
type ProviderConfig struct {
	Default   string          `mapstructure:"default" yaml:"default"`
	Enabled   []string        `mapstructure:"enabled" yaml:"enabled"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OpenAIConfig configures the OpenAI-compatible adapter (works against any
// endpoint speaking the chat-completions SSE protocol).
type OpenAIConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ContextConfig sets the token budget envelope when the model catalog has no
// authoritative numbers for the selected model.
type ContextConfig struct {
	MaxTokens     int `mapstructure:"max_tokens" yaml:"max_tokens"`
	OutputReserve int `mapstructure:"output_reserve" yaml:"output_reserve"`
}

// CompressionConfig holds compression trigger ratios and tier budget shares.
// Tunables, not validated invariants.
type CompressionConfig struct {
	LightThreshold     float64 `mapstructure:"light_threshold" yaml:"light_threshold"`
	MediumThreshold    float64 `mapstructure:"medium_threshold" yaml:"medium_threshold"`
	HeavyThreshold     float64 `mapstructure:"heavy_threshold" yaml:"heavy_threshold"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold" yaml:"emergency_threshold"`
	TaskBoost          float64 `mapstructure:"task_boost" yaml:"task_boost"`
	RecentShare        float64 `mapstructure:"recent_share" yaml:"recent_share"`
	CompressedShare    float64 `mapstructure:"compressed_share" yaml:"compressed_share"`
	SemanticShare      float64 `mapstructure:"semantic_share" yaml:"semantic_share"`
	PinnedShare        float64 `mapstructure:"pinned_share" yaml:"pinned_share"`
}

// EstimatorConfig tunes token estimation and online learning.
type EstimatorConfig struct {
	CharsPerToken  float64       `mapstructure:"chars_per_token" yaml:"chars_per_token"`
	WindowSize     int           `mapstructure:"window_size" yaml:"window_size"`
	HalfLife       time.Duration `mapstructure:"half_life" yaml:"half_life"`
	ConfidenceBar  float64       `mapstructure:"confidence_bar" yaml:"confidence_bar"`
	LooseThreshold float64       `mapstructure:"loose_threshold" yaml:"loose_threshold"`
	TightThreshold float64       `mapstructure:"tight_threshold" yaml:"tight_threshold"`
	Overhead       float64       `mapstructure:"overhead" yaml:"overhead"`
}

// SessionConfig tunes per-session queueing and locking.
type SessionConfig struct {
	QueueCap        int           `mapstructure:"queue_cap" yaml:"queue_cap"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout" yaml:"queue_timeout"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	SpamDepth       int           `mapstructure:"spam_depth" yaml:"spam_depth"`
	MinInterArrival time.Duration `mapstructure:"min_inter_arrival" yaml:"min_inter_arrival"`
}

// OverflowConfig tunes overflow recovery.
type OverflowConfig struct {
	AutoCooldown     time.Duration `mapstructure:"auto_cooldown" yaml:"auto_cooldown"`
	PeriodicCooldown time.Duration `mapstructure:"periodic_cooldown" yaml:"periodic_cooldown"`
	MinMessages      int           `mapstructure:"min_messages" yaml:"min_messages"`
	ChunkGroupSize   int           `mapstructure:"chunk_group_size" yaml:"chunk_group_size"`
}

// MaintenanceConfig configures background jobs. Specs use the six-field cron
// format (seconds first).
type MaintenanceConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	CompactionSpec string `mapstructure:"compaction_spec" yaml:"compaction_spec"`
	PinPruneSpec   string `mapstructure:"pin_prune_spec" yaml:"pin_prune_spec"`
	CleanupSpec    string `mapstructure:"cleanup_spec" yaml:"cleanup_spec"`
	FlushSpec      string `mapstructure:"flush_spec" yaml:"flush_spec"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration with precedence ENV > file > defaults. A missing
// config file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded

		viper.SetConfigFile(expanded)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, err
			}
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path returns the resolved config file path from the last Load.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// Reload re-reads the config file and refreshes the cached Config. Used by
// the gateway's file watcher.
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if configPath == "" {
		return nil, errors.New("config path not set")
	}
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	globalConfig = &cfg
	return &cfg, nil
}

// Get reads a single value by dotted key, honoring the same precedence as
// Load.
func Get(key string) any {
	return viper.Get(key)
}

// Set writes a single value by dotted key, refreshes the cached Config, and
// persists the file when one was loaded.
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return err
	}
	globalConfig = &cfg

	if configPath != "" {
		return SaveTo(&cfg, configPath)
	}
	return nil
}

// SaveTo writes a config as YAML to the given path, creating parent
// directories. Mode 0600 since the file may contain API keys.
func SaveTo(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears cached state. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
