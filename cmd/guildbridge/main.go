package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"guildbridge/internal/admin"
	"guildbridge/internal/bridge"
	"guildbridge/internal/config"
	"guildbridge/internal/discord"
	"guildbridge/internal/monitoring"
	"guildbridge/internal/ratelimit"
	"guildbridge/internal/telegram"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	discordLimiter := ratelimit.New("discord", ratelimit.PerSecond(cfg.DiscordRatePerSecond))
	telegramLimiter := ratelimit.New("telegram", ratelimit.PerMinute(cfg.TelegramRatePerMinute))

	store := newStore(cfg, logger)
	source := discord.NewClient(cfg, discordLimiter, logger)
	sink := telegram.NewClient(cfg, telegramLimiter, store, logger)
	proc := bridge.NewProcessor(cfg, source, sink,
		[]*ratelimit.Limiter{discordLimiter, telegramLimiter}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := proc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start bridge")
	}

	adminSrv := admin.NewServer(cfg.AdminAddr, proc, logger)
	go func() {
		if err := adminSrv.Start(); err != nil {
			logger.Error().Err(err).Msg("Admin server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Admin server shutdown failed")
	}
	proc.Stop()
	logger.Info().Msg("Bridge stopped")
}

// newStore picks the persistence backend: Redis when configured and
// reachable, otherwise the local JSON file.
func newStore(cfg *config.Config, logger zerolog.Logger) telegram.Store {
	if cfg.RedisURL == "" {
		logger.Info().Str("path", telegram.DefaultStorePath).Msg("Using file-backed state store")
		return telegram.NewFileStore("")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid REDIS_URL, falling back to file store")
		return telegram.NewFileStore("")
	}

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable, falling back to file store")
		return telegram.NewFileStore("")
	}

	logger.Info().Str("addr", opt.Addr).Msg("Using Redis-backed state store")
	return telegram.NewRedisStore(rdb, time.Duration(cfg.CacheTTLSeconds)*time.Second)
}
