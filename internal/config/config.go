// Package config provides application configuration.
//
// The command surface is intentionally small: credentials and the
// archival switches come from flags, with environment fallbacks for
// secrets (GUILDVAULT_TOKEN, loaded from .env when present).
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/guildvault/guildvault/internal/types"
)

// StatsMode controls periodic progress reporting.
type StatsMode int

const (
	StatsAuto StatsMode = iota
	StatsYes
	StatsNo
)

// Config holds all application configuration.
type Config struct {
	Tokens      []string // credentials including their kind prefix
	LogLevel    string   // error|warning|info|verbose|debug
	Stats       StatsMode
	GuildFilter map[types.Snowflake]struct{}
	NoSync      bool
	NoReactions bool
	DBPath      string

	HangCeiling time.Duration
	Compress    bool
}

// stringList is a repeatable flag value.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Load parses the command line. Exactly one positional argument (the
// database path) is required.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("guildvault", flag.ContinueOnError)
	var tokens, guilds stringList
	fs.Var(&tokens, "token", "account credential with kind prefix (bot: or user:); repeatable")
	fs.Var(&guilds, "guild", "guild id to archive; repeatable; default all")
	logLevel := fs.String("log", "info", "log level: error|warning|info|verbose|debug")
	stats := fs.String("stats", "auto", "periodic progress reporting: yes|no|auto")
	noSync := fs.Bool("no-sync", false, "disable history backfill")
	noReactions := fs.Bool("no-reactions", false, "disable reaction archival")
	hangCeiling := fs.Duration("hang-ceiling", 15*time.Minute, "how long a denied backfill waits for a permission change before giving up")
	compress := fs.Bool("compress", true, "request gateway transport compression")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one positional argument (database path), got %d", fs.NArg())
	}

	cfg := &Config{
		Tokens:      tokens,
		LogLevel:    *logLevel,
		NoSync:      *noSync,
		NoReactions: *noReactions,
		DBPath:      fs.Arg(0),
		HangCeiling: *hangCeiling,
		Compress:    *compress,
	}

	switch *stats {
	case "yes":
		cfg.Stats = StatsYes
	case "no":
		cfg.Stats = StatsNo
	case "auto":
		cfg.Stats = StatsAuto
	default:
		return nil, fmt.Errorf("invalid stats mode %q", *stats)
	}

	if len(guilds) > 0 {
		cfg.GuildFilter = make(map[types.Snowflake]struct{}, len(guilds))
		for _, g := range guilds {
			id, err := types.ParseSnowflake(g)
			if err != nil {
				return nil, fmt.Errorf("invalid guild id %q", g)
			}
			cfg.GuildFilter[id] = struct{}{}
		}
	}

	if len(cfg.Tokens) == 0 {
		if env := os.Getenv("GUILDVAULT_TOKEN"); env != "" {
			cfg.Tokens = strings.Split(env, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("at least one -token (or GUILDVAULT_TOKEN) is required")
	}
	for _, t := range c.Tokens {
		if !strings.HasPrefix(t, "bot:") && !strings.HasPrefix(t, "user:") {
			return fmt.Errorf("credential missing kind prefix (bot: or user:)")
		}
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	switch c.LogLevel {
	case "error", "warning", "info", "verbose", "debug":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}
