// Package email defines the parsed message model shared by the parser,
// the routing resolver and the dispatchers.
package email

// ContentType is a supported body content-type label.
type ContentType string

const (
	TextPlain ContentType = "text/plain"
	TextHTML  ContentType = "text/html"
)

// Content maps a supported content type to its extracted text. A type with
// no matching part is absent; unsupported types never appear as keys.
type Content map[ContentType]string

// Size returns the total number of decoded bytes across all content types.
func (c Content) Size() int {
	n := 0
	for _, body := range c {
		n += len(body)
	}
	return n
}

// Types returns the content types present, plain text first.
func (c Content) Types() []string {
	types := make([]string, 0, len(c))
	for _, ct := range []ContentType{TextPlain, TextHTML} {
		if _, ok := c[ct]; ok {
			types = append(types, string(ct))
		}
	}
	return types
}

// Message is a received message after parsing. Sender and Recipients come
// from the SMTP envelope, not the headers.
type Message struct {
	ID         string
	Sender     string
	Recipients []string
	Subject    string
	HeaderID   string
	Content    Content
}

// Summary is the content description attached to log events.
type Summary struct {
	Subject string   `json:"subject"`
	Types   []string `json:"types"`
	Size    int      `json:"size"`
}

// Summary describes the message content without including the bodies.
func (m *Message) Summary() Summary {
	return Summary{
		Subject: m.Subject,
		Types:   m.Content.Types(),
		Size:    m.Content.Size(),
	}
}
