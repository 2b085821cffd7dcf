package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_SizeAndTypes(t *testing.T) {
	t.Parallel()

	c := Content{TextHTML: "<p>hi</p>", TextPlain: "hi"}

	assert.Equal(t, 11, c.Size())
	assert.Equal(t, []string{"text/plain", "text/html"}, c.Types())
}

func TestContent_Empty(t *testing.T) {
	t.Parallel()

	var c Content

	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Types())
}

func TestMessage_Summary(t *testing.T) {
	t.Parallel()

	msg := &Message{
		Subject: "Report",
		Content: Content{TextPlain: "Hello"},
	}

	assert.Equal(t, Summary{Subject: "Report", Types: []string{"text/plain"}, Size: 5}, msg.Summary())
}
