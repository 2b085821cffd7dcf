// Package eventlog writes per-message routing and delivery events to two
// append-only sinks: one for known recipients, one for everything that was
// rejected or could not be routed.
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"

	"github.com/shineum/smtp2http/internal/email"
)

// Category selects the sink an event is written to.
type Category string

const (
	Known   Category = "known"
	Unknown Category = "unknown"
)

// Outcome labels that are not delivery outcomes.
const (
	OutcomeUnknownRecipient = "unknown-recipient"
	OutcomeInvalidRecipient = "invalid-recipient"
	OutcomeParseError       = "parse-error"
)

// Event is one structured log record.
type Event struct {
	Category  Category
	Level     slog.Level
	MessageID string
	Sender    string
	Recipient string
	Content   email.Summary
	Outcome   string
	Status    int
	URL       string
	Err       error
}

// Logger receives events. Implementations must be safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, e Event)
}

// Config names the two sink files. An empty path writes that sink to stderr.
type Config struct {
	KnownFile   string
	UnknownFile string
}

// Sinks is the file-backed Logger. Each sink has its own JSON handler, which
// writes every event as a single line under its own lock.
type Sinks struct {
	known   *slog.Logger
	unknown *slog.Logger
	closers []io.Closer
}

// Open creates or appends to the configured sink files.
func Open(cfg Config) (*Sinks, error) {
	var closers []io.Closer

	open := func(path string) (io.Writer, error) {
		if path == "" {
			return os.Stderr, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open event log %s", path)
		}
		closers = append(closers, f)
		return f, nil
	}

	known, err := open(cfg.KnownFile)
	if err != nil {
		return nil, err
	}
	unknown, err := open(cfg.UnknownFile)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	s := New(known, unknown)
	s.closers = closers
	return s, nil
}

// New creates Sinks over arbitrary writers.
func New(known, unknown io.Writer) *Sinks {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	return &Sinks{
		known:   slog.New(slog.NewJSONHandler(known, opts)),
		unknown: slog.New(slog.NewJSONHandler(unknown, opts)),
	}
}

// Log writes e to the sink selected by its category.
func (s *Sinks) Log(ctx context.Context, e Event) {
	l := s.unknown
	msg := "unknown email"
	if e.Category == Known {
		l = s.known
		msg = "known email"
	}

	attrs := []slog.Attr{
		slog.String("category", string(e.Category)),
		slog.String("message_id", e.MessageID),
		slog.String("sender", e.Sender),
		slog.String("recipient", e.Recipient),
		slog.Group("content",
			slog.String("subject", e.Content.Subject),
			slog.Any("types", e.Content.Types),
			slog.Int("size", e.Content.Size),
		),
		slog.String("outcome", e.Outcome),
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.URL != "" {
		attrs = append(attrs, slog.String("url", e.URL))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	l.LogAttrs(ctx, e.Level, msg, attrs...)
}

// Close closes any files opened by Open.
func (s *Sinks) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
