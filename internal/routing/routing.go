// Package routing decides, per message, whether it is accepted and which
// webhook endpoints receive it.
package routing

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/shineum/smtp2http/internal/address"
)

// Reason explains why a message was rejected.
type Reason string

const (
	ReasonInvalidSender    Reason = "invalid-sender"
	ReasonSenderNotAllowed Reason = "sender-not-allowed"
	ReasonNoKnownRecipient Reason = "no-known-recipient"
)

// Target is one recipient selected for dispatch and its endpoint URL.
type Target struct {
	Recipient string
	URL       string
}

// Decision is the outcome of Resolve. When Accepted is false, Reason is set
// and Targets is empty. Unknown and Invalid list the recipients that were
// dropped, in envelope order, for logging.
type Decision struct {
	Accepted bool
	Reason   Reason
	Targets  []Target
	Unknown  []string
	Invalid  []string
}

// Endpoint is a single entry of the endpoint map, used for listings.
type Endpoint struct {
	Address string
	URL     string
}

// Table is the endpoint map plus the sender allow-list. It is built once
// and never modified, so it is safe for concurrent use without locking.
type Table struct {
	endpoints map[string]string
	allowed   map[string]struct{}
}

// NewTable builds a Table from the configured endpoint map and allow-list.
// Keys and senders are normalized; two keys that normalize to the same
// address are an error.
func NewTable(endpoints map[string]string, allowedSenders []string) (*Table, error) {
	t := &Table{
		endpoints: make(map[string]string, len(endpoints)),
		allowed:   make(map[string]struct{}, len(allowedSenders)),
	}

	for addr, url := range endpoints {
		key, err := address.Normalize(addr)
		if err != nil {
			return nil, errors.Wrap(err, "email_endpoints")
		}
		if _, dup := t.endpoints[key]; dup {
			return nil, errors.Errorf("email_endpoints: duplicate address %q", key)
		}
		t.endpoints[key] = url
	}

	for _, sender := range allowedSenders {
		key, err := address.Normalize(sender)
		if err != nil {
			return nil, errors.Wrap(err, "allowed_senders")
		}
		t.allowed[key] = struct{}{}
	}

	return t, nil
}

// Resolve applies the allow-list and the endpoint map to one message's
// envelope. Targets keep envelope order and repeat for repeated recipients.
func (t *Table) Resolve(sender string, recipients []string) Decision {
	from, err := address.Normalize(sender)
	if err != nil {
		return Decision{Reason: ReasonInvalidSender}
	}
	if _, ok := t.allowed[from]; !ok {
		return Decision{Reason: ReasonSenderNotAllowed}
	}

	var d Decision
	for _, rcpt := range recipients {
		key, err := address.Normalize(rcpt)
		if err != nil {
			d.Invalid = append(d.Invalid, rcpt)
			continue
		}
		url, ok := t.endpoints[key]
		if !ok {
			d.Unknown = append(d.Unknown, rcpt)
			continue
		}
		d.Targets = append(d.Targets, Target{Recipient: rcpt, URL: url})
	}

	if len(d.Targets) == 0 {
		d.Reason = ReasonNoKnownRecipient
		return d
	}

	d.Accepted = true
	return d
}

// Lookup returns the endpoint URL for addr, if one is mapped.
func (t *Table) Lookup(addr string) (string, bool) {
	key, err := address.Normalize(addr)
	if err != nil {
		return "", false
	}
	url, ok := t.endpoints[key]
	return url, ok
}

// Endpoints returns the endpoint map sorted by address.
func (t *Table) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(t.endpoints))
	for addr, url := range t.endpoints {
		out = append(out, Endpoint{Address: addr, URL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AllowedSenders returns the normalized allow-list, sorted.
func (t *Table) AllowedSenders() []string {
	out := make([]string, 0, len(t.allowed))
	for sender := range t.allowed {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out
}
