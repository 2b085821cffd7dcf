// Package parser turns raw RFC 5322 messages into the content model used for
// webhook delivery. Only text/plain and text/html leaves are kept.
package parser

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charset decoders
	"github.com/pkg/errors"

	"github.com/shineum/smtp2http/internal/email"
)

// ErrMalformedMessage is returned when the top-level header cannot be read.
// Defects further down the MIME tree only drop the affected parts.
var ErrMalformedMessage = errors.New("malformed message")

// defaultSubject is used when the message carries no Subject header.
const defaultSubject = "No subject"

// partKind is the closed set of leaf kinds the extractor distinguishes.
type partKind int

const (
	otherPart partKind = iota
	plainTextPart
	htmlPart
)

// slots holds one accumulator per supported content type.
type slots struct {
	text  [2]strings.Builder
	found [2]bool
}

func (s *slots) add(kind partKind, text string) {
	i := int(kind) - 1
	if s.text[i].Len() > 0 {
		s.text[i].WriteByte('\n')
	}
	s.text[i].WriteString(text)
	s.found[i] = true
}

func (s *slots) content() email.Content {
	content := make(email.Content, 2)
	if s.found[0] {
		content[email.TextPlain] = s.text[0].String()
	}
	if s.found[1] {
		content[email.TextHTML] = s.text[1].String()
	}
	return content
}

// Parse reads raw once and returns the subject, Message-Id header and
// extracted content. Envelope fields are left for the caller to fill in.
func Parse(raw []byte) (*email.Message, error) {
	entity, err := read(raw)
	if err != nil {
		return nil, err
	}

	subject, err := entity.Header.Text("Subject")
	if err != nil && !message.IsUnknownCharset(err) {
		slog.Debug("failed to decode subject, using raw value", "error", err)
		subject = entity.Header.Get("Subject")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultSubject
	}

	return &email.Message{
		Subject:  subject,
		HeaderID: entity.Header.Get("Message-Id"),
		Content:  extract(entity),
	}, nil
}

// Extract returns the text/plain and text/html bodies of raw. Multiple parts
// of one type are joined with a newline in document order. A message without
// any supported part yields an empty, non-nil Content.
func Extract(raw []byte) (email.Content, error) {
	entity, err := read(raw)
	if err != nil {
		return nil, err
	}
	return extract(entity), nil
}

func read(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isDecodeWarning(err) {
		return nil, errors.Wrapf(ErrMalformedMessage, "read message: %v", err)
	}
	return entity, nil
}

func extract(entity *message.Entity) email.Content {
	var acc slots
	walk(entity, &acc)
	return acc.content()
}

// walk visits the leaves of e in document order. A multipart body that ends
// early or is otherwise broken stops the walk; the parts read up to that
// point are kept. It reports whether the walk may continue.
func walk(e *message.Entity, acc *slots) bool {
	if mr := e.MultipartReader(); mr != nil && hasBoundary(e.Header) {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return true
			}
			if err != nil && !isDecodeWarning(err) {
				slog.Warn("broken multipart body, keeping parts read so far", "error", err)
				return false
			}
			if !walk(part, acc) {
				return false
			}
		}
	}

	kind := classify(e.Header)
	if kind == otherPart {
		return true
	}

	text, err := readText(e)
	if err != nil {
		slog.Warn("failed to read MIME part, skipping",
			"content_type", e.Header.Get("Content-Type"),
			"error", err,
		)
		return true
	}
	acc.add(kind, text)
	return true
}

// hasBoundary reports whether a multipart header names its boundary. A
// multipart part without one cannot be split and is treated as a leaf.
func hasBoundary(h message.Header) bool {
	_, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && params["boundary"] != ""
}

// classify maps a part header onto the closed set of part kinds. A missing
// Content-Type means text/plain; an unparseable one is skipped.
func classify(h message.Header) partKind {
	raw := h.Get("Content-Type")
	if raw == "" {
		return plainTextPart
	}

	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		slog.Warn("failed to parse part content type, skipping",
			"content_type", raw,
			"error", err,
		)
		return otherPart
	}

	switch mediaType {
	case string(email.TextPlain):
		return plainTextPart
	case string(email.TextHTML):
		return htmlPart
	default:
		return otherPart
	}
}

// readText reads a leaf body. A part cut off by the end of the message keeps
// the text read so far. Transfer encoding and declared charsets are
// decoded by go-message; undeclared or unknown charsets are read as UTF-8
// with invalid sequences replaced.
func readText(part *message.Entity) (string, error) {
	body, err := io.ReadAll(part.Body)
	if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && len(body) > 0) {
		return "", err
	}
	if err != nil {
		slog.Warn("MIME part is truncated, keeping what was read", "error", err)
	}
	if !utf8.Valid(body) {
		return strings.ToValidUTF8(string(body), "\uFFFD"), nil
	}
	return string(body), nil
}

// isDecodeWarning reports errors after which go-message still hands back a
// usable entity whose body is left undecoded.
func isDecodeWarning(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
