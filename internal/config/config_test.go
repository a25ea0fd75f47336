package config

import (
	"testing"
	"time"

	"github.com/guildvault/guildvault/internal/types"
)

func TestLoadFull(t *testing.T) {
	cfg, err := Load([]string{
		"-token", "bot:abc",
		"-token", "user:def",
		"-log", "debug",
		"-stats", "yes",
		"-guild", "100",
		"-guild", "200",
		"-no-sync",
		"-no-reactions",
		"archive.db",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Tokens) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(cfg.Tokens))
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level %q", cfg.LogLevel)
	}
	if cfg.Stats != StatsYes {
		t.Errorf("stats mode %v", cfg.Stats)
	}
	if len(cfg.GuildFilter) != 2 {
		t.Errorf("guild filter %v", cfg.GuildFilter)
	}
	if _, ok := cfg.GuildFilter[types.Snowflake(100)]; !ok {
		t.Error("guild 100 missing from filter")
	}
	if !cfg.NoSync || !cfg.NoReactions {
		t.Error("switches not applied")
	}
	if cfg.DBPath != "archive.db" {
		t.Errorf("db path %q", cfg.DBPath)
	}
	if cfg.HangCeiling != 15*time.Minute {
		t.Errorf("default hang ceiling %v", cfg.HangCeiling)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no positional", []string{"-token", "bot:abc"}},
		{"two positionals", []string{"-token", "bot:abc", "a.db", "b.db"}},
		{"no tokens", []string{"a.db"}},
		{"missing kind prefix", []string{"-token", "abc", "a.db"}},
		{"bad guild id", []string{"-token", "bot:abc", "-guild", "xyz", "a.db"}},
		{"bad log level", []string{"-token", "bot:abc", "-log", "loud", "a.db"}},
		{"bad stats mode", []string{"-token", "bot:abc", "-stats", "maybe", "a.db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTokenFromEnvironment(t *testing.T) {
	t.Setenv("GUILDVAULT_TOKEN", "bot:from-env")
	cfg, err := Load([]string{"a.db"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0] != "bot:from-env" {
		t.Errorf("tokens %v", cfg.Tokens)
	}
}
