// guildvault - continuous chat archiver
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/guildvault/guildvault/internal/config"
	"github.com/guildvault/guildvault/internal/store"
	"github.com/guildvault/guildvault/internal/sync"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Optional .env for credentials; plain environment still applies.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage error:", err)
		return 1
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(logLevel(cfg.LogLevel))

	db, err := store.Open(cfg.DBPath, logger.With().Str("component", "store").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return 2
	}
	logger.Info().Str("path", cfg.DBPath).Msg("database opened")

	orch := sync.New(sync.Config{
		GuildFilter: cfg.GuildFilter,
		NoSync:      cfg.NoSync,
		NoReactions: cfg.NoReactions,
		HangCeiling: cfg.HangCeiling,
		Compress:    cfg.Compress,
	}, db, logger.With().Str("component", "sync").Logger())

	for i, token := range cfg.Tokens {
		name := fmt.Sprintf("account-%d", i+1)
		if err := orch.AddAccount(name, token); err != nil {
			logger.Error().Err(err).Str("account", name).Msg("invalid credential")
			if closeErr := db.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close database")
			}
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if statsEnabled(cfg) {
		go statsLoop(ctx, orch, logger)
	}

	runErr := orch.Run(ctx)

	logger.Info().Msg("shutting down")
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Msg("archiver stopped with error")
		return 2
	}
	logger.Info().Msg("stopped")
	return 0
}

// statsEnabled resolves the auto mode: report when the log level admits
// info lines.
func statsEnabled(cfg *config.Config) bool {
	switch cfg.Stats {
	case config.StatsYes:
		return true
	case config.StatsNo:
		return false
	default:
		return logLevel(cfg.LogLevel) <= zerolog.InfoLevel
	}
}

// statsLoop logs a progress line every 10 seconds.
func statsLoop(ctx context.Context, orch *sync.Orchestrator, logger zerolog.Logger) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := orch.Stats()
			logger.Info().Int64("messages_written", s.MessagesWritten).
				Int64("ongoing_syncs", s.OngoingSyncs).
				Int("accounts", s.Accounts).Msg("progress")
		}
	}
}

// logLevel maps the command surface's level names onto zerolog's.
func logLevel(s string) zerolog.Level {
	switch s {
	case "error":
		return zerolog.ErrorLevel
	case "warning":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "verbose", "debug":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
