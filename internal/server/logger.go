package server

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog.Logger formatted for env.
// prod writes JSON, everything else writes human-readable console lines.
func NewLogger(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env != "prod" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "roomchat").Logger()
}
