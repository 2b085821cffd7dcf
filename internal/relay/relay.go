// Package relay runs one received message through parsing, routing and
// dispatch, and reports every step to the event log and metrics.
package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/smtp2http/internal/email"
	"github.com/shineum/smtp2http/internal/eventlog"
	"github.com/shineum/smtp2http/internal/metrics"
	"github.com/shineum/smtp2http/internal/parser"
	"github.com/shineum/smtp2http/internal/provider"
	"github.com/shineum/smtp2http/internal/routing"
)

// ReasonParseError rejects a message whose MIME structure cannot be read.
const ReasonParseError routing.Reason = "parse-error"

// Envelope is what the SMTP boundary hands over for one message.
type Envelope struct {
	Sender     string
	Recipients []string
	Data       []byte
}

// Result is the terminal state of one message: either a rejection, or one
// Outcome per target in target order.
type Result struct {
	MessageID string
	Decision  routing.Decision
	Outcomes  []provider.Outcome
}

// Rejected reports whether the message was not dispatched at all.
func (r Result) Rejected() bool {
	return !r.Decision.Accepted
}

// Config holds the collaborators of a Relay.
type Config struct {
	Table    *routing.Table
	Provider provider.Provider
	Events   eventlog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Relay processes messages. The routing table is shared read-only, so one
// Relay serves any number of concurrent sessions.
type Relay struct {
	table    *routing.Table
	provider provider.Provider
	events   eventlog.Logger
	metrics  *metrics.Metrics
}

// New creates a Relay from cfg.
func New(cfg Config) *Relay {
	return &Relay{
		table:    cfg.Table,
		provider: cfg.Provider,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
	}
}

// Process handles one message to completion: Route followed by Run.
func (r *Relay) Process(ctx context.Context, env Envelope) Result {
	res, d := r.Route(ctx, env)
	if d != nil {
		res.Outcomes = d.Run(ctx)
	}
	return res
}

// Delivery is an accepted message waiting to be dispatched to its targets.
type Delivery struct {
	relay   *Relay
	msg     *email.Message
	summary email.Summary
	targets []routing.Target
	logger  *slog.Logger
}

// MessageID returns the id assigned when the message was routed.
func (d *Delivery) MessageID() string {
	return d.msg.ID
}

// Route decides the fate of one message without dispatching it. Routing is
// decided before the body is parsed so that untrusted senders never reach
// the MIME parser. The returned Delivery is nil when the message was
// rejected; otherwise Result.Outcomes is left empty for Run to fill.
func (r *Relay) Route(ctx context.Context, env Envelope) (Result, *Delivery) {
	id := uuid.NewString()
	r.metrics.MessageReceived()

	logger := slog.With("message_id", id, "sender", env.Sender)

	decision := r.table.Resolve(env.Sender, env.Recipients)
	res := Result{MessageID: id, Decision: decision}

	if decision.Reason == routing.ReasonInvalidSender || decision.Reason == routing.ReasonSenderNotAllowed {
		logger.Info("message rejected", "reason", decision.Reason)
		r.metrics.Decision("rejected", string(decision.Reason))
		r.events.Log(ctx, eventlog.Event{
			Category:  eventlog.Unknown,
			Level:     slog.LevelInfo,
			MessageID: id,
			Sender:    env.Sender,
			Recipient: strings.Join(env.Recipients, ", "),
			Content:   email.Summary{Size: len(env.Data)},
			Outcome:   "rejected:" + string(decision.Reason),
		})
		return res, nil
	}

	msg, err := parser.Parse(env.Data)
	if err != nil {
		logger.Warn("message rejected", "reason", ReasonParseError, "error", err)
		res.Decision = routing.Decision{Reason: ReasonParseError}
		r.metrics.Decision("rejected", string(ReasonParseError))
		for _, rcpt := range env.Recipients {
			r.events.Log(ctx, eventlog.Event{
				Category:  eventlog.Unknown,
				Level:     slog.LevelWarn,
				MessageID: id,
				Sender:    env.Sender,
				Recipient: rcpt,
				Content:   email.Summary{Size: len(env.Data)},
				Outcome:   eventlog.OutcomeParseError,
				Err:       err,
			})
		}
		return res, nil
	}
	msg.ID = id
	msg.Sender = env.Sender
	msg.Recipients = env.Recipients
	summary := msg.Summary()

	if len(msg.Content) == 0 {
		logger.Info("message has no text/plain or text/html content")
	}

	r.logDropped(ctx, msg, summary, decision)

	if !decision.Accepted {
		logger.Info("message rejected", "reason", decision.Reason)
		r.metrics.Decision("rejected", string(decision.Reason))
		return res, nil
	}

	logger.Info("message accepted", "targets", len(decision.Targets), "subject", msg.Subject)
	r.metrics.Decision("accepted", "")

	return res, &Delivery{
		relay:   r,
		msg:     msg,
		summary: summary,
		targets: decision.Targets,
		logger:  logger,
	}
}

// Run dispatches the message to every target one after another and returns
// one Outcome per target in target order. A failed target does not stop the
// rest.
func (d *Delivery) Run(ctx context.Context) []provider.Outcome {
	r := d.relay
	outcomes := make([]provider.Outcome, 0, len(d.targets))
	for _, target := range d.targets {
		out := r.provider.Dispatch(ctx, d.msg, target)
		outcomes = append(outcomes, out)
		r.metrics.Delivery(out.Label(), out.Duration)

		ev := eventlog.Event{
			Category:  eventlog.Known,
			Level:     slog.LevelInfo,
			MessageID: d.msg.ID,
			Sender:    d.msg.Sender,
			Recipient: target.Recipient,
			Content:   d.summary,
			Outcome:   out.Label(),
			Status:    out.StatusCode,
			URL:       target.URL,
			Err:       out.Err,
		}
		if !out.Delivered {
			ev.Level = slog.LevelError
			d.logger.Warn("delivery failed",
				"recipient", target.Recipient,
				"provider", r.provider.Name(),
				"kind", out.ErrorKind,
				"error", out.Err,
			)
		}
		r.events.Log(ctx, ev)
	}
	return outcomes
}

// logDropped writes one unknown-sink event per recipient that was not routed.
func (r *Relay) logDropped(ctx context.Context, msg *email.Message, summary email.Summary, d routing.Decision) {
	r.metrics.Unrouted("unknown", len(d.Unknown))
	r.metrics.Unrouted("invalid", len(d.Invalid))

	for _, rcpt := range d.Invalid {
		r.events.Log(ctx, eventlog.Event{
			Category:  eventlog.Unknown,
			Level:     slog.LevelWarn,
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Recipient: rcpt,
			Content:   summary,
			Outcome:   eventlog.OutcomeInvalidRecipient,
		})
	}
	for _, rcpt := range d.Unknown {
		r.events.Log(ctx, eventlog.Event{
			Category:  eventlog.Unknown,
			Level:     slog.LevelInfo,
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Recipient: rcpt,
			Content:   summary,
			Outcome:   eventlog.OutcomeUnknownRecipient,
		})
	}
}
