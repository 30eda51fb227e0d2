package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all bridge configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Credentials
	DiscordTokens    []string `env:"DISCORD_AUTH_TOKENS" envSeparator:","`
	TelegramBotToken string   `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64    `env:"TELEGRAM_CHAT_ID"`

	// Optional Redis persistence; empty means the local file store
	RedisURL string `env:"REDIS_URL"`

	// Admin HTTP surface (status, health, Prometheus metrics)
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":9090"`

	// Capacity (design target: 35-50 channels across up to ~10 guilds)
	MaxChannelsPerServer int `env:"MAX_CHANNELS_PER_SERVER" envDefault:"10"`
	MaxTotalChannels     int `env:"MAX_TOTAL_CHANNELS" envDefault:"50"`
	MaxServers           int `env:"MAX_SERVERS" envDefault:"10"`

	// Rate limiting
	DiscordRatePerSecond  float64       `env:"DISCORD_RATE_LIMIT_PER_SECOND" envDefault:"2.0"`
	TelegramRatePerMinute int           `env:"TELEGRAM_RATE_LIMIT_PER_MINUTE" envDefault:"20"`
	RateLimitMaxWait      time.Duration `env:"RATE_LIMIT_MAX_WAIT" envDefault:"60s"`

	// Message processing
	MessageBatchSize   int `env:"MESSAGE_BATCH_SIZE" envDefault:"10"`
	MaxHistoryMessages int `env:"MAX_HISTORY_MESSAGES" envDefault:"100"`
	MessageTTLSeconds  int `env:"MESSAGE_TTL_SECONDS" envDefault:"86400"`

	// Gateway stream
	WebsocketReconnectDelay time.Duration `env:"WEBSOCKET_RECONNECT_DELAY" envDefault:"30s"`

	// Maintenance loops
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`

	// Persistence TTL for the Redis blob. Topic mappings expire with it, so
	// the default is a full day rather than the original five minutes.
	CacheTTLSeconds int `env:"CACHE_TTL_SECONDS" envDefault:"86400"`

	// Telegram rendering preferences
	UseTopics           bool `env:"TELEGRAM_USE_TOPICS" envDefault:"true"`
	ShowTimestamps      bool `env:"SHOW_TIMESTAMPS" envDefault:"true"`
	ShowServerInMessage bool `env:"SHOW_SERVER_IN_MESSAGE" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if len(c.DiscordTokens) == 0 {
		return fmt.Errorf("DISCORD_AUTH_TOKENS requires at least one token")
	}
	for _, token := range c.DiscordTokens {
		if len(token) < 50 {
			return fmt.Errorf("invalid Discord token format: %.10s...", token)
		}
	}
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID cannot be 0")
	}

	// Range checks
	if c.MaxChannelsPerServer < 1 || c.MaxChannelsPerServer > 20 {
		return fmt.Errorf("MAX_CHANNELS_PER_SERVER must be 1-20, got %d", c.MaxChannelsPerServer)
	}
	if c.MaxTotalChannels < 10 || c.MaxTotalChannels > 100 {
		return fmt.Errorf("MAX_TOTAL_CHANNELS must be 10-100, got %d", c.MaxTotalChannels)
	}
	if c.MaxServers < 1 || c.MaxServers > 15 {
		return fmt.Errorf("MAX_SERVERS must be 1-15, got %d", c.MaxServers)
	}
	if c.DiscordRatePerSecond < 0.5 || c.DiscordRatePerSecond > 10.0 {
		return fmt.Errorf("DISCORD_RATE_LIMIT_PER_SECOND must be 0.5-10.0, got %.2f", c.DiscordRatePerSecond)
	}
	if c.TelegramRatePerMinute < 5 || c.TelegramRatePerMinute > 100 {
		return fmt.Errorf("TELEGRAM_RATE_LIMIT_PER_MINUTE must be 5-100, got %d", c.TelegramRatePerMinute)
	}
	if c.MessageBatchSize < 1 || c.MessageBatchSize > 50 {
		return fmt.Errorf("MESSAGE_BATCH_SIZE must be 1-50, got %d", c.MessageBatchSize)
	}
	if c.MaxHistoryMessages < 10 || c.MaxHistoryMessages > 500 {
		return fmt.Errorf("MAX_HISTORY_MESSAGES must be 10-500, got %d", c.MaxHistoryMessages)
	}
	if c.MessageTTLSeconds < 3600 || c.MessageTTLSeconds > 604800 {
		return fmt.Errorf("MESSAGE_TTL_SECONDS must be 3600-604800, got %d", c.MessageTTLSeconds)
	}
	if c.WebsocketReconnectDelay < 5*time.Second || c.WebsocketReconnectDelay > 300*time.Second {
		return fmt.Errorf("WEBSOCKET_RECONNECT_DELAY must be 5s-300s, got %s", c.WebsocketReconnectDelay)
	}
	if c.CacheTTLSeconds < 3600 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be at least 3600, got %d", c.CacheTTLSeconds)
	}

	// Logical checks
	if max := c.MaxChannelsPerServer * c.MaxServers; c.MaxTotalChannels > max {
		return fmt.Errorf("MAX_TOTAL_CHANNELS (%d) cannot exceed MAX_CHANNELS_PER_SERVER * MAX_SERVERS (%d)",
			c.MaxTotalChannels, max)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("discord_tokens", len(c.DiscordTokens)).
		Int64("telegram_chat_id", c.TelegramChatID).
		Bool("redis", c.RedisURL != "").
		Str("admin_addr", c.AdminAddr).
		Int("max_channels_per_server", c.MaxChannelsPerServer).
		Int("max_total_channels", c.MaxTotalChannels).
		Int("max_servers", c.MaxServers).
		Float64("discord_rate_per_second", c.DiscordRatePerSecond).
		Int("telegram_rate_per_minute", c.TelegramRatePerMinute).
		Int("message_batch_size", c.MessageBatchSize).
		Int("max_history_messages", c.MaxHistoryMessages).
		Dur("websocket_reconnect_delay", c.WebsocketReconnectDelay).
		Dur("cleanup_interval", c.CleanupInterval).
		Bool("use_topics", c.UseTopics).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Bridge configuration loaded")
}
