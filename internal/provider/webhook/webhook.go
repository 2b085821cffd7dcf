// Package webhook implements a Provider that POSTs the message as JSON to
// the target's endpoint URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/smtp2http/internal/email"
	"github.com/shineum/smtp2http/internal/provider"
	"github.com/shineum/smtp2http/internal/routing"
)

// DefaultTimeout bounds a single POST when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// maxDrain is how much of a response body is read before the connection is
// returned to the pool.
const maxDrain = 64 << 10

// MessageIDHeader carries the internal message ID on every request.
const MessageIDHeader = "X-Smtp2http-Message-Id"

var tracer = otel.Tracer("github.com/shineum/smtp2http/internal/provider/webhook")

// Config holds the configuration for creating a Provider.
type Config struct {
	Timeout   time.Duration
	UserAgent string

	// OAuth2, when set, adds a client-credentials bearer token to every
	// request. The token fetch counts toward the request timeout.
	OAuth2 *ClientCredentials
}

// Provider posts messages to webhook endpoints. It holds no per-message
// state and is safe for concurrent use.
type Provider struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	tokens    *tokenCache
}

// New creates a Provider with its own HTTP client. Redirects are not
// followed, so a 3xx answer is reported as a non-2xx failure.
func New(cfg Config) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return newWithClient(cfg, client)
}

// newWithClient creates a Provider around a caller-supplied client, used
// for testing.
func newWithClient(cfg Config, client *http.Client) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "smtp2http"
	}
	p := &Provider{
		client:    client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
	}
	if cfg.OAuth2 != nil {
		p.tokens = newTokenCache(*cfg.OAuth2, client)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "webhook"
}

// Dispatch makes one POST to target.URL bounded by the configured timeout.
func (p *Provider) Dispatch(ctx context.Context, msg *email.Message, target routing.Target) provider.Outcome {
	ctx, span := tracer.Start(ctx, "webhook.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("smtp2http.message_id", msg.ID),
			attribute.String("smtp2http.recipient", target.Recipient),
			attribute.String("url.full", target.URL),
		),
	)
	defer span.End()

	start := time.Now()
	out := p.post(ctx, msg, target)
	out.Duration = time.Since(start)

	if out.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", out.StatusCode))
	}
	if out.Delivered {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.ErrorKind))
	}

	return out
}

func (p *Provider) post(ctx context.Context, msg *email.Message, target routing.Target) provider.Outcome {
	body, err := json.Marshal(provider.NewPayload(msg, target))
	if err != nil {
		return provider.Failed(provider.ErrorRequest, errors.Wrap(err, "marshal payload"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return provider.Failed(provider.ErrorRequest, errors.Wrap(err, "create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set(MessageIDHeader, msg.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	var token string
	if p.tokens != nil {
		token, err = p.tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, errTokenRejected) {
				return provider.Failed(provider.ErrorStatus, err)
			}
			return provider.Failed(classifyError(err), err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Failed(classifyError(err), err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode == http.StatusUnauthorized && p.tokens != nil {
		p.tokens.Invalidate(token)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.Outcome{
			StatusCode: resp.StatusCode,
			ErrorKind:  provider.ErrorStatus,
			Err:        errors.Errorf("endpoint returned HTTP %d", resp.StatusCode),
		}
	}

	return provider.Delivered(resp.StatusCode)
}

// classifyError maps a transport error from http.Client.Do onto an ErrorKind.
func classifyError(err error) provider.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.ErrorTimeout
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return provider.ErrorTLS
	}

	// An alert sent by the server arrives as an OpError around an
	// unexported alert type.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return provider.ErrorTLS
	}
	// net/http replaces the handshake error with a plain string when a
	// plaintext server answers.
	if strings.Contains(err.Error(), "server gave HTTP response to HTTPS client") {
		return provider.ErrorTLS
	}

	return provider.ErrorNetwork
}
