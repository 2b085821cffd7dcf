package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp2http/internal/email"
	"github.com/shineum/smtp2http/internal/provider"
	"github.com/shineum/smtp2http/internal/routing"
)

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "stdout", New().Name())
}

func TestDispatch_WritesOneLinePerTarget(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Message{
		ID:      "id-1",
		Sender:  "sender@example.com",
		Subject: "Hello",
		Content: email.Content{email.TextPlain: "World"},
	}

	out := p.Dispatch(context.Background(), msg, routing.Target{Recipient: "a@example.com", URL: "https://hooks/a"})
	require.True(t, out.Delivered)
	out = p.Dispatch(context.Background(), msg, routing.Target{Recipient: "b@example.com", URL: "https://hooks/b"})
	require.True(t, out.Delivered)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "https://hooks/a", first.URL)
	assert.Equal(t, "a@example.com", first.Payload.To)
	assert.Equal(t, "World", first.Payload.Content[email.TextPlain])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestDispatch_WriteFailure(t *testing.T) {
	t.Parallel()

	out := NewWithWriter(failingWriter{}).Dispatch(context.Background(), &email.Message{},
		routing.Target{Recipient: "a@example.com", URL: "https://hooks/a"})

	assert.False(t, out.Delivered)
	assert.Equal(t, provider.ErrorNetwork, out.ErrorKind)
}
