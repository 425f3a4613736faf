package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the process logger: human-readable console output in
// development, JSON lines otherwise. Unknown levels fall back to info.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "portal").Logger()
}
