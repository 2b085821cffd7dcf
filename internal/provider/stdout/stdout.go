// Package stdout implements a Provider that prints the webhook payload
// instead of posting it. It backs the --dry-run mode.
package stdout

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/shineum/smtp2http/internal/email"
	"github.com/shineum/smtp2http/internal/provider"
	"github.com/shineum/smtp2http/internal/routing"
)

// Provider writes one JSON line per dispatch.
type Provider struct {
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// record is what gets printed: the endpoint plus the body that would be sent.
type record struct {
	URL     string           `json:"url"`
	Payload provider.Payload `json:"payload"`
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Dispatch prints the payload for target. A write failure is reported as a
// network failure since nothing left the process.
func (p *Provider) Dispatch(_ context.Context, msg *email.Message, target routing.Target) provider.Outcome {
	line, err := json.Marshal(record{URL: target.URL, Payload: provider.NewPayload(msg, target)})
	if err != nil {
		return provider.Failed(provider.ErrorRequest, errors.Wrap(err, "marshal payload"))
	}
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.writer.Write(line); err != nil {
		return provider.Failed(provider.ErrorNetwork, errors.Wrap(err, "write payload"))
	}
	return provider.Delivered(0)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
