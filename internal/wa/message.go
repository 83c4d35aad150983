package wa

import (
	"context"
	"fmt"
	"io"
)

// DefaultMaxMediaBytes caps a single media download.
const DefaultMaxMediaBytes = 32 << 20

// MediaRef identifies downloadable media in a transport-specific way
// (a Graph media id, a Twilio media URL or an encoded whatsmeow message).
type MediaRef string

// Media is downloaded media content.
type Media struct {
	Data     []byte
	MimeType string
}

// ParsedMessage is the transport-neutral form of one inbound chat message.
type ParsedMessage struct {
	From    string
	ID      string
	Content Content
}

// Content is one of Text, Image, Document or Unknown.
type Content interface {
	Kind() string
	isContent()
}

type Text struct {
	Body string
}

type Image struct {
	Media    MediaRef
	MimeType string
	Caption  string
}

type Document struct {
	Media    MediaRef
	MimeType string
	Filename string
}

// Unknown covers audio, video, stickers and anything else we do not handle.
type Unknown struct {
	Type string
}

func (Text) Kind() string     { return "text" }
func (Image) Kind() string    { return "image" }
func (Document) Kind() string { return "document" }
func (Unknown) Kind() string  { return "unknown" }

func (Text) isContent()     {}
func (Image) isContent()    {}
func (Document) isContent() {}
func (Unknown) isContent()  {}

// Kind returns the content kind, treating a nil content as unknown.
func (m ParsedMessage) Kind() string {
	if m.Content == nil {
		return Unknown{}.Kind()
	}
	return m.Content.Kind()
}

// Sender delivers plain text messages.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// MediaFetcher downloads media referenced by inbound messages.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref MediaRef) (Media, error)
}

// Processor consumes normalised inbound messages.
type Processor interface {
	Process(ctx context.Context, msg ParsedMessage)
}

// DeliveryError reports a failed outbound message.
type DeliveryError struct {
	Transport string
	To        string
	Status    int
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s delivery to %s failed with status %d: %v", e.Transport, e.To, e.Status, e.Err)
	}
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Transport, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// readLimited reads r fully, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxMediaBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}
