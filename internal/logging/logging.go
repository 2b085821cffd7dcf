// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/golang-cz/devslog"
	"go.opentelemetry.io/otel"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatDev  = "dev"
)

// Config selects the level and output format of the process logger.
type Config struct {
	Level  string
	Format string
}

// New creates a logger writing to w. Unknown formats fall back to JSON.
func New(c Config, w io.Writer) *slog.Logger {
	level := ParseLevel(c.Level)

	switch strings.ToLower(c.Format) {
	case FormatDev:
		return slog.New(devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			NewLineAfterLog:   true,
			SortKeys:          true,
			TimeFormat:        "[15:04:05]",
			DebugColor:        devslog.Magenta,
			StringerFormatter: true,
		}))
	case FormatText:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

// Init installs the logger as the slog default and routes OpenTelemetry
// internal errors through it.
func Init(c Config, w io.Writer) *slog.Logger {
	l := New(c, w)
	slog.SetDefault(l)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Default().Error("opentelemetry error", "error", err)
	}))
	return l
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
