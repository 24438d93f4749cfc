// Package logging initializes the global zerolog logger. Console output
// is used when stderr is a terminal, JSON otherwise; "auto" picks
// between them.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format string // "json", "console", or "auto"
	Level  string // "debug", "info", "warn", "error"
}

// Init configures the process-wide logger. Safe to call again to adjust
// level or format after config load.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	format := strings.ToLower(cfg.Format)
	if format == "" || format == "auto" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		} else {
			format = "json"
		}
	}

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
