package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var zlog = zerolog.Nop()

// Init configures the process-wide logger. Development gets a console writer,
// everything else gets JSON lines.
func Init(env string, level string) {
	var w io.Writer
	if env == "development" || env == "dev" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		w = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zlog = zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", "coachchat").
		Logger()
}

func Get() zerolog.Logger {
	return zlog
}

func WithComponent(component string) zerolog.Logger {
	return zlog.With().Str("component", component).Logger()
}
