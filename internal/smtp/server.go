// Package smtp is the SMTP boundary: it accepts envelopes over SMTP and
// hands each complete message to the relay.
package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/shineum/smtp2http/internal/metrics"
	"github.com/shineum/smtp2http/internal/relay"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Router decides the fate of one message. An accepted message comes back
// with a Delivery that the server runs after the SMTP reply is sent.
type Router interface {
	Route(ctx context.Context, env relay.Envelope) (relay.Result, *relay.Delivery)
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	MaxMessageSize int64
	MaxRecipients  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// RejectUnrouted answers rejected messages with a 5xx reply.
	// When false every complete message gets 250.
	RejectUnrouted bool

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	Relay Router

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Server accepts SMTP connections and passes each message to the relay.
type Server struct {
	config  ServerConfig
	backend *backend
	smtp    *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	be := &backend{
		relay:          cfg.Relay,
		metrics:        cfg.Metrics,
		rejectUnrouted: cfg.RejectUnrouted,
		ctx:            context.Background(),
	}

	srv := gosmtp.NewServer(be)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.MaxMessageBytes = cfg.MaxMessageSize
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.TLSConfig = cfg.TLSConfig
	srv.EnableSMTPUTF8 = true
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	return &Server{
		config:  cfg,
		backend: be,
		smtp:    srv,
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.config.ListenAddr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to 30
// seconds, shared between in-flight sessions and pending deliveries.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Messages already in the DATA phase finish even while shutting down.
	s.backend.ctx = context.WithoutCancel(ctx)

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
		"reject_unrouted", s.config.RejectUnrouted,
		"max_message_size", s.config.MaxMessageSize,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			err = nil
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.backend.drain(drainCtx)
		return errors.Wrap(err, "smtp server")
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		_ = s.smtp.Close()
	} else {
		slog.Info("all sessions completed")
	}
	// Serve may not have registered ln yet if ctx was already done.
	_ = ln.Close()
	<-errCh

	if err := s.backend.drain(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached with deliveries still running", "error", err)
	} else {
		slog.Info("all deliveries completed")
	}

	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
