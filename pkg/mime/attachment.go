// Package mime packages AS4 messages as SOAP-with-Attachments: a
// multipart/related body with the SOAP envelope as the root part and one
// part per payload attachment.
package mime

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/phax/phase4-sub011/pkg/message"
)

// ErrNotRepeatable is returned when a second read is requested from a
// single-shot data source.
var ErrNotRepeatable = errors.New("data source is not repeatable")

// DataSource supplies attachment bytes. Repeatable sources can be opened
// any number of times, which retransmission requires; single-shot sources
// can be opened exactly once.
type DataSource interface {
	Open() (io.ReadCloser, error)
	Repeatable() bool
}

// BytesSource is an in-memory, repeatable data source.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesSource) Repeatable() bool { return true }

// FileSource reads from a file path on every Open. It is repeatable as
// long as the file stays in place.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

func (f FileSource) Repeatable() bool { return true }

// ReaderSource wraps a stream that can be consumed once.
type ReaderSource struct {
	r    io.Reader
	used bool
}

// NewReaderSource wraps r as a single-shot source.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Open() (io.ReadCloser, error) {
	if s.used {
		return nil, ErrNotRepeatable
	}
	s.used = true
	if rc, ok := s.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.r), nil
}

func (s *ReaderSource) Repeatable() bool { return false }

// Attachment is one payload part of an outgoing or incoming message.
type Attachment struct {
	// ContentID is the bare content id, without the cid: scheme or
	// angle brackets.
	ContentID string
	MimeType  string
	Charset   string

	// Compression is the CompressionType part property value when the
	// part travels compressed, e.g. compression.TypeGzip. Empty means
	// uncompressed.
	Compression string

	// UncompressedMimeType preserves the original media type while the
	// part travels as application/octet-stream after encryption.
	UncompressedMimeType string

	Properties []message.Property
	Source     DataSource
}

// NewAttachment creates an attachment over data with a generated content
// id.
func NewAttachment(mimeType string, data []byte) *Attachment {
	return &Attachment{
		ContentID: uuid.NewString() + "@phase4",
		MimeType:  mimeType,
		Source:    BytesSource(data),
	}
}

// Read opens the source and drains it.
func (a *Attachment) Read() ([]byte, error) {
	rc, err := a.Source.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PartInfo renders the eb:PartInfo entry announcing this attachment.
func (a *Attachment) PartInfo() message.PartInfo {
	props := append([]message.Property(nil), a.Properties...)
	mt := a.MimeType
	if a.UncompressedMimeType != "" {
		mt = a.UncompressedMimeType
	}
	if mt != "" {
		props = append(props, message.Property{Name: message.PropMimeType, Value: mt})
	}
	if a.Compression != "" {
		props = append(props, message.Property{Name: message.PropCompressionType, Value: a.Compression})
	}
	if a.Charset != "" {
		props = append(props, message.Property{Name: message.PropCharacterSet, Value: a.Charset})
	}
	return message.PartInfo{
		Href:       "cid:" + a.ContentID,
		Properties: props,
	}
}

// NormalizeContentID strips the cid: scheme and angle brackets from a
// content id reference.
func NormalizeContentID(id string) string {
	id = strings.TrimPrefix(id, "cid:")
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// FindAttachment returns the attachment with the given content id, in any
// reference form, or nil.
func FindAttachment(atts []*Attachment, contentID string) *Attachment {
	want := NormalizeContentID(contentID)
	for _, a := range atts {
		if a.ContentID == want {
			return a
		}
	}
	return nil
}
