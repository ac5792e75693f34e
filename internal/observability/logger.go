// Package observability carries the admin-plane logger, HTTP
// middleware, and Prometheus metrics.
package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// InitLogger builds the structured logger used by the admin plane.
func InitLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Str("component", "admin").Logger()
}
