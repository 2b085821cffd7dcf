// Package provider defines the dispatch contract for delivering a parsed
// message to one routing target, and the outcome each attempt produces.
package provider

import (
	"context"
	"time"

	"github.com/shineum/smtp2http/internal/email"
	"github.com/shineum/smtp2http/internal/routing"
)

// ErrorKind classifies a failed delivery attempt.
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network-unreachable"
	ErrorTimeout ErrorKind = "timeout"
	ErrorTLS     ErrorKind = "tls-error"
	ErrorStatus  ErrorKind = "non-2xx-status"
	ErrorRequest ErrorKind = "invalid-request"
)

// Outcome is the terminal result of exactly one delivery attempt.
type Outcome struct {
	Delivered bool

	// StatusCode is set whenever the endpoint answered, including non-2xx.
	StatusCode int

	// ErrorKind and Err are set when Delivered is false.
	ErrorKind ErrorKind
	Err       error

	Duration time.Duration
}

// Delivered returns a successful outcome.
func Delivered(statusCode int) Outcome {
	return Outcome{Delivered: true, StatusCode: statusCode}
}

// Failed returns a failed outcome of the given kind.
func Failed(kind ErrorKind, err error) Outcome {
	return Outcome{ErrorKind: kind, Err: err}
}

// Label is the short outcome name used in logs and metrics.
func (o Outcome) Label() string {
	if o.Delivered {
		return "delivered"
	}
	return "failed:" + string(o.ErrorKind)
}

// Provider delivers one message to one target. Implementations make a
// single attempt, never retry, and always return an Outcome.
type Provider interface {
	Dispatch(ctx context.Context, msg *email.Message, target routing.Target) Outcome

	// Name returns the human-readable name of this provider.
	Name() string
}

// Payload is the JSON document posted to a webhook endpoint.
type Payload struct {
	MessageID string        `json:"message_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Subject   string        `json:"subject"`
	Content   email.Content `json:"content"`
}

// NewPayload builds the request body for one target of msg.
func NewPayload(msg *email.Message, target routing.Target) Payload {
	content := msg.Content
	if content == nil {
		content = email.Content{}
	}
	return Payload{
		MessageID: msg.ID,
		From:      msg.Sender,
		To:        target.Recipient,
		Subject:   msg.Subject,
		Content:   content,
	}
}
