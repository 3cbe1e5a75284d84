package logger

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/config"
)

func TestNewDefaultsToInfoLevelInNonDevelopmentEnv(t *testing.T) {
	New(&config.Config{Env: "production"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected production env to set info level, got %v", zerolog.GlobalLevel())
	}
}

func TestNewDefaultsToDebugLevelInDevelopment(t *testing.T) {
	New(&config.Config{Env: "development"})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected development env to set debug level, got %v", zerolog.GlobalLevel())
	}
}

func TestNewExplicitLogLevelOverridesEnvDefault(t *testing.T) {
	New(&config.Config{Env: "production", LogLevel: "warn"})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected explicit LogLevel to override the env default, got %v", zerolog.GlobalLevel())
	}
}

func TestNewIgnoresMalformedLogLevel(t *testing.T) {
	New(&config.Config{Env: "production", LogLevel: "not-a-level"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected malformed LogLevel to fall back to the env default, got %v", zerolog.GlobalLevel())
	}
}
