// Package config holds the typed, read-only configuration for one adapter
// process. Values come from a YAML file with LIAISON_* environment variable
// overrides; every category is always present and individual keys default
// when omitted.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/liaisonhq/liaison/pkg/errdefs"
)

// AdapterConfig selects and tunes the platform side of the bridge.
type AdapterConfig struct {
	AdapterType             string        `yaml:"adapter_type" env:"LIAISON_ADAPTER_TYPE"`
	AdapterName             string        `yaml:"adapter_name" env:"LIAISON_ADAPTER_NAME"`
	AdapterID               string        `yaml:"adapter_id" env:"LIAISON_ADAPTER_ID"`
	BotToken                string        `yaml:"bot_token" env:"LIAISON_BOT_TOKEN"`
	MaxMessageLength        int           `yaml:"max_message_length" env:"LIAISON_MAX_MESSAGE_LENGTH"`
	MaxHistoryLimit         int           `yaml:"max_history_limit" env:"LIAISON_MAX_HISTORY_LIMIT"`
	MaxPaginationIterations int           `yaml:"max_pagination_iterations" env:"LIAISON_MAX_PAGINATION_ITERATIONS"`
	ConnectionCheckInterval time.Duration `yaml:"connection_check_interval" env:"LIAISON_CONNECTION_CHECK_INTERVAL"`
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts" env:"LIAISON_MAX_RECONNECT_ATTEMPTS"`
	RetryDelay              time.Duration `yaml:"retry_delay" env:"LIAISON_RETRY_DELAY"`
	EmojiMappings           string        `yaml:"emoji_mappings" env:"LIAISON_EMOJI_MAPPINGS"`
	FilterBotReactions      bool          `yaml:"filter_bot_reactions" env:"LIAISON_FILTER_BOT_REACTIONS"`
}

// SocketConfig describes the framework-facing event socket listener.
type SocketConfig struct {
	Host string `yaml:"host" env:"LIAISON_SOCKET_HOST"`
	Port int    `yaml:"port" env:"LIAISON_SOCKET_PORT"`
}

// RateLimitConfig carries the three request-per-minute scopes.
type RateLimitConfig struct {
	GlobalRPM          int `yaml:"global_rpm" env:"LIAISON_GLOBAL_RPM"`
	PerConversationRPM int `yaml:"per_conversation_rpm" env:"LIAISON_PER_CONVERSATION_RPM"`
	MessageRPM         int `yaml:"message_rpm" env:"LIAISON_MESSAGE_RPM"`
}

// CachingConfig bounds the in-memory message and user stores.
type CachingConfig struct {
	MaxMessagesPerConversation int           `yaml:"max_messages_per_conversation" env:"LIAISON_MAX_MESSAGES_PER_CONVERSATION"`
	MaxTotalMessages           int           `yaml:"max_total_messages" env:"LIAISON_MAX_TOTAL_MESSAGES"`
	MaxAgeHours                int           `yaml:"max_age_hours" env:"LIAISON_MESSAGE_MAX_AGE_HOURS"`
	MaintenanceInterval        time.Duration `yaml:"cache_maintenance_interval" env:"LIAISON_CACHE_MAINTENANCE_INTERVAL"`
	CacheFetchedHistory        bool          `yaml:"cache_fetched_history" env:"LIAISON_CACHE_FETCHED_HISTORY"`
	MaxUsers                   int           `yaml:"max_users" env:"LIAISON_MAX_USERS"`
	UserTTLHours               int           `yaml:"user_ttl_hours" env:"LIAISON_USER_TTL_HOURS"`
}

// AttachmentsConfig bounds the on-disk attachment store.
type AttachmentsConfig struct {
	StorageDir           string `yaml:"storage_dir" env:"LIAISON_ATTACHMENT_STORAGE_DIR"`
	MaxAgeDays           int    `yaml:"max_age_days" env:"LIAISON_ATTACHMENT_MAX_AGE_DAYS"`
	MaxTotalAttachments  int    `yaml:"max_total_attachments" env:"LIAISON_MAX_TOTAL_ATTACHMENTS"`
	CleanupIntervalHours int    `yaml:"cleanup_interval_hours" env:"LIAISON_ATTACHMENT_CLEANUP_INTERVAL_HOURS"`
	MaxFileSizeMB        int    `yaml:"max_file_size_mb" env:"LIAISON_MAX_FILE_SIZE_MB"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LIAISON_LOG_LEVEL"`
	Format string `yaml:"format" env:"LIAISON_LOG_FORMAT"`
}

// Config is the root configuration object. It is immutable after Load.
type Config struct {
	Adapter     AdapterConfig     `yaml:"adapter"`
	Socket      SocketConfig      `yaml:"socketio"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Caching     CachingConfig     `yaml:"caching"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns a config with every key at its documented default.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			AdapterName:             "liaison",
			MaxMessageLength:        1999,
			MaxHistoryLimit:         100,
			MaxPaginationIterations: 5,
			ConnectionCheckInterval: 60 * time.Second,
			MaxReconnectAttempts:    5,
			RetryDelay:              5 * time.Second,
			FilterBotReactions:      true,
		},
		Socket: SocketConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		RateLimit: RateLimitConfig{
			GlobalRPM:          60,
			PerConversationRPM: 20,
			MessageRPM:         30,
		},
		Caching: CachingConfig{
			MaxMessagesPerConversation: 100,
			MaxTotalMessages:           1000,
			MaxAgeHours:                24,
			MaintenanceInterval:        300 * time.Second,
			CacheFetchedHistory:        true,
			MaxUsers:                   500,
			UserTTLHours:               24,
		},
		Attachments: AttachmentsConfig{
			StorageDir:           "attachments",
			MaxAgeDays:           30,
			MaxTotalAttachments:  1000,
			CleanupIntervalHours: 24,
			MaxFileSizeMB:        8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path, overlays environment variables, and
// validates the result. Invalid configuration is a fatal startup error.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.WrapFatal(err, "reading config file")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errdefs.WrapFatal(err, "parsing config file")
	}
	if err := env.Parse(cfg); err != nil {
		return nil, errdefs.WrapFatal(err, "applying environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants a running adapter depends on.
func (c *Config) Validate() error {
	if c.Adapter.AdapterType == "" {
		return errdefs.Fatal("adapter.adapter_type is required")
	}
	if c.Adapter.MaxMessageLength <= 0 {
		return errdefs.Fatal("adapter.max_message_length must be positive")
	}
	if c.Socket.Port <= 0 || c.Socket.Port > 65535 {
		return errdefs.Fatal("socketio.port %d out of range", c.Socket.Port)
	}
	for name, rpm := range map[string]int{
		"rate_limit.global_rpm":           c.RateLimit.GlobalRPM,
		"rate_limit.per_conversation_rpm": c.RateLimit.PerConversationRPM,
		"rate_limit.message_rpm":          c.RateLimit.MessageRPM,
	} {
		if rpm <= 0 {
			return errdefs.Fatal("%s must be positive", name)
		}
	}
	if c.Caching.MaxMessagesPerConversation <= 0 || c.Caching.MaxTotalMessages <= 0 {
		return errdefs.Fatal("caching limits must be positive")
	}
	if c.Caching.MaxTotalMessages < c.Caching.MaxMessagesPerConversation {
		return errdefs.Fatal("caching.max_total_messages cannot be below max_messages_per_conversation")
	}
	if c.Attachments.StorageDir == "" {
		return errdefs.Fatal("attachments.storage_dir is required")
	}
	if c.Attachments.MaxFileSizeMB <= 0 {
		return errdefs.Fatal("attachments.max_file_size_mb must be positive")
	}
	return nil
}

// MaxFileSizeBytes converts the configured megabyte gate to bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Attachments.MaxFileSizeMB) * 1024 * 1024
}
