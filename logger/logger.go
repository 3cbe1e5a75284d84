package logger

import (
	"os"

	"github.com/alfred-dev/gatekeep/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Development environments get a
// human-readable console writer and debug level; everything else logs
// structured JSON at info level so it can be shipped to a log aggregator.
func New(cfg *config.Config) zerolog.Logger {
	var out zerolog.Logger
	lvl := zerolog.InfoLevel
	if cfg.Env == "development" {
		lvl = zerolog.DebugLevel
	}
	if lvlStr := cfg.LogLevel; lvlStr != "" {
		if parsed, err := zerolog.ParseLevel(lvlStr); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return out
}
