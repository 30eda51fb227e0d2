package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DiscordTokens:           []string{strings.Repeat("x", 60)},
		TelegramBotToken:        "123456:ABC-DEF",
		TelegramChatID:          -1001234567890,
		MaxChannelsPerServer:    10,
		MaxTotalChannels:        50,
		MaxServers:              10,
		DiscordRatePerSecond:    2.0,
		TelegramRatePerMinute:   20,
		RateLimitMaxWait:        time.Minute,
		MessageBatchSize:        10,
		MaxHistoryMessages:      100,
		MessageTTLSeconds:       86400,
		WebsocketReconnectDelay: 30 * time.Second,
		CleanupInterval:         5 * time.Minute,
		HealthCheckInterval:     time.Minute,
		CacheTTLSeconds:         86400,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no tokens", func(c *Config) { c.DiscordTokens = nil }},
		{"short token", func(c *Config) { c.DiscordTokens = []string{"short"} }},
		{"no bot token", func(c *Config) { c.TelegramBotToken = "" }},
		{"zero chat id", func(c *Config) { c.TelegramChatID = 0 }},
		{"channels per server too high", func(c *Config) { c.MaxChannelsPerServer = 21 }},
		{"channels per server too low", func(c *Config) { c.MaxChannelsPerServer = 0 }},
		{"total channels exceed product", func(c *Config) {
			c.MaxChannelsPerServer = 5
			c.MaxServers = 5
			c.MaxTotalChannels = 26
		}},
		{"discord rate too low", func(c *Config) { c.DiscordRatePerSecond = 0.4 }},
		{"discord rate too high", func(c *Config) { c.DiscordRatePerSecond = 10.5 }},
		{"message ttl too short", func(c *Config) { c.MessageTTLSeconds = 3599 }},
		{"message ttl too long", func(c *Config) { c.MessageTTLSeconds = 604801 }},
		{"reconnect delay too short", func(c *Config) { c.WebsocketReconnectDelay = time.Second }},
		{"cache ttl too short", func(c *Config) { c.CacheTTLSeconds = 300 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
