package parser

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp2http/internal/email"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestExtract_PlainTextSinglePart(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello, this is a plain text email.",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{email.TextPlain: "Hello, this is a plain text email."}, content)
}

func TestExtract_HTMLSinglePart(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: text/html",
		"",
		"<p>Hi</p>",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{email.TextHTML: "<p>Hi</p>"}, content)
}

func TestExtract_MissingContentTypeIsPlainText(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Subject: bare",
		"",
		"just text",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{email.TextPlain: "just text"}, content)
}

func TestExtract_TwoPlainPartsJoinedInOrder(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"Hello",
		"--b1",
		"Content-Type: text/plain",
		"",
		"World",
		"--b1--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{email.TextPlain: "Hello\nWorld"}, content)
}

func TestExtract_PlainAndHTMLAlternative(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{
		email.TextPlain: "Plain text body",
		email.TextHTML:  "<html><body><p>HTML body</p></body></html>",
	}, content)
}

func TestExtract_OnlyImageAttachmentYieldsEmptyContent(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=img",
		"",
		"--img",
		"Content-Type: image/png",
		"Content-Disposition: attachment; filename=\"pixel.png\"",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--img--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.NotNil(t, content)
	assert.Empty(t, content)
}

func TestExtract_NestedMultipartSkipsUnsupportedParts(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"first",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>first</b>",
		"--inner--",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--outer",
		"Content-Type: text/plain",
		"",
		"second",
		"--outer--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{
		email.TextPlain: "first\nsecond",
		email.TextHTML:  "<b>first</b>",
	}, content)
}

func TestExtract_DecodesTransferEncodings(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/alternative; boundary=enc",
		"",
		"--enc",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8=",
		"--enc",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<p class=3D\"x\">Hi</p>",
		"--enc--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello", content[email.TextPlain])
	assert.Equal(t, `<p class="x">Hi</p>`, content[email.TextHTML])
}

func TestExtract_DecodesDeclaredCharset(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=E9",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "café", content[email.TextPlain])
}

func TestExtract_UnknownCharsetFallsBackToUTF8(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: text/plain; charset=x-made-up",
		"",
		"plain ascii",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain ascii", content[email.TextPlain])
}

func TestExtract_InvalidUTF8IsReplaced(t *testing.T) {
	t.Parallel()

	raw := append(crlf(
		"From: sender@example.com",
		"Content-Type: text/plain",
		"",
		"bad ",
	), 0xff, 'x')

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "bad \uFFFDx", content[email.TextPlain])
}

func TestExtract_MalformedHeader(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"this line has no colon",
		"",
		"body",
	)

	_, err := Extract(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestExtract_Idempotent(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/alternative; boundary=idem",
		"",
		"--idem",
		"Content-Type: text/plain",
		"",
		"one",
		"--idem",
		"Content-Type: text/html",
		"",
		"<i>two</i>",
		"--idem--",
	)

	first, err := Extract(raw)
	require.NoError(t, err)
	second, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParse_DecodesSubjectAndMessageID(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"body",
	)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", msg.Subject)
	assert.Equal(t, "<test123@example.com>", msg.HeaderID)
	assert.Equal(t, email.Content{email.TextPlain: "body"}, msg.Content)
}

func TestParse_MissingSubject(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"",
		"body",
	)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "No subject", msg.Subject)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Parse(crlf("garbage", "", ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestExtract_MissingClosingBoundaryKeepsParts(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: text/plain",
		"",
		"Hello",
		"--b",
		"Content-Type: text/plain",
		"",
		"World",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	text := strings.TrimRight(content[email.TextPlain], "\r\n")
	assert.True(t, strings.HasPrefix(text, "Hello"), "content: %q", text)
	assert.Contains(t, text, "World")
}

func TestExtract_BrokenNestedMultipartKeepsEarlierParts(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: text/html",
		"",
		"<p>first</p>",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"no inner boundary ever appears",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "<p>first</p>", content[email.TextHTML])
	assert.NotContains(t, content, email.TextPlain)
}

func TestExtract_MultipartWithoutBoundaryIsSkipped(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed",
		"",
		"Hello",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestExtract_NestedMultipartWithoutBoundaryIsSkipped(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative",
		"",
		"opaque",
		"--outer",
		"Content-Type: text/plain",
		"",
		"kept",
		"--outer--",
	)

	content, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, email.Content{email.TextPlain: "kept"}, content)
}
