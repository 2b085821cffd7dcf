package smtp

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp2http/internal/metrics"
	"github.com/shineum/smtp2http/internal/relay"
	"github.com/shineum/smtp2http/internal/routing"
)

// Replies used when rejected messages are answered with a permanent failure.
var (
	errSenderRejected = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Sender not allowed",
	}
	errNoKnownRecipient = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "No known recipient",
	}
	errMalformedMessage = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
)

type backend struct {
	relay          Router
	metrics        *metrics.Metrics
	rejectUnrouted bool

	// ctx is the base context for message processing. It is set once
	// before the server starts accepting connections.
	ctx context.Context

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// dispatch runs d in the background. Once draining has started, new
// deliveries run inline so the session that produced them holds shutdown
// open until they finish.
func (b *backend) dispatch(d *relay.Delivery) {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		d.Run(b.ctx)
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()
		d.Run(b.ctx)
	}()
}

// drain waits for background deliveries until ctx is done.
func (b *backend) drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for deliveries")
	}
}

// NewSession is called for every accepted connection.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	b.metrics.SessionOpened()

	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	slog.Debug("session opened", "remote", remote)

	return &session{backend: b, remote: remote}, nil
}

// session collects one envelope at a time. go-smtp drives the command
// sequence, so Mail, Rcpt and Data arrive in protocol order.
type session struct {
	backend *backend
	remote  string

	from string
	to   []string
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	s.to = nil
	return nil
}

// Rcpt accepts every recipient; routing happens once the whole message is in.
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		// go-smtp reports an oversized message as a 552 SMTPError.
		slog.Warn("failed to read message data", "remote", s.remote, "sender", s.from, "error", err)
		return err
	}

	res, delivery := s.backend.relay.Route(s.backend.ctx, relay.Envelope{
		Sender:     s.from,
		Recipients: s.to,
		Data:       data,
	})
	if delivery != nil {
		// The reply does not wait for the endpoints.
		s.backend.dispatch(delivery)
	}

	if reply := replyFor(res, s.backend.rejectUnrouted); reply != nil {
		return reply
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	s.backend.metrics.SessionClosed()
	slog.Debug("session closed", "remote", s.remote)
	return nil
}

// replyFor maps a routing result to the SMTP reply. A nil error is 250.
// Delivery runs after the reply, so its failures never change it.
func replyFor(res relay.Result, rejectUnrouted bool) *gosmtp.SMTPError {
	if !rejectUnrouted || !res.Rejected() {
		return nil
	}

	switch res.Decision.Reason {
	case routing.ReasonInvalidSender, routing.ReasonSenderNotAllowed:
		return errSenderRejected
	case routing.ReasonNoKnownRecipient:
		return errNoKnownRecipient
	case relay.ReasonParseError:
		return errMalformedMessage
	}
	return nil
}
