package mime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub011/pkg/compression"
	"github.com/phax/phase4-sub011/pkg/message"
)

const testEnvelope = `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Header/><soap:Body/></soap:Envelope>`

func TestNormalizeContentID(t *testing.T) {
	assert.Equal(t, "a@b", NormalizeContentID("a@b"))
	assert.Equal(t, "a@b", NormalizeContentID("cid:a@b"))
	assert.Equal(t, "a@b", NormalizeContentID("<a@b>"))
	assert.Equal(t, "a@b", NormalizeContentID("cid:<a@b>"))
}

func TestDataSources(t *testing.T) {
	t.Run("bytes is repeatable", func(t *testing.T) {
		src := BytesSource("hello")
		assert.True(t, src.Repeatable())
		for i := 0; i < 2; i++ {
			rc, err := src.Open()
			require.NoError(t, err)
			data, err := readAll(rc)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)
		}
	})

	t.Run("reader is single shot", func(t *testing.T) {
		src := NewReaderSource(strings.NewReader("once"))
		assert.False(t, src.Repeatable())

		rc, err := src.Open()
		require.NoError(t, err)
		rc.Close()

		_, err = src.Open()
		assert.ErrorIs(t, err, ErrNotRepeatable)
	})
}

func readAll(rc interface {
	Read([]byte) (int, error)
	Close() error
}) ([]byte, error) {
	defer rc.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(rc)
	return buf.Bytes(), err
}

func TestBuildWithoutAttachments(t *testing.T) {
	pkg, err := Build([]byte(testEnvelope), message.SOAP12, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/soap+xml; charset=utf-8", pkg.ContentType)
	assert.Equal(t, []byte(testEnvelope), pkg.Body)
}

func TestBuildParseRoundTrip(t *testing.T) {
	att := NewAttachment("application/xml", []byte("<invoice/>"))

	pkg, err := Build([]byte(testEnvelope), message.SOAP12, []*Attachment{att})
	require.NoError(t, err)
	assert.Contains(t, pkg.ContentType, "multipart/related")
	assert.Contains(t, pkg.ContentType, `type="application/soap+xml"`)

	env, atts, err := Parse(pkg.ContentType, bytes.NewReader(pkg.Body))
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), env)
	require.Len(t, atts, 1)
	assert.Equal(t, att.ContentID, atts[0].ContentID)

	data, err := atts[0].Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("<invoice/>"), data)
}

func TestCompressedAttachmentTravelsAsGzipPart(t *testing.T) {
	att := NewAttachment("application/xml", bytes.Repeat([]byte("<line/>"), 100))
	att.Compression = compression.TypeGzip

	require.NoError(t, CompressParts([]*Attachment{att}))
	assert.Equal(t, "application/xml", att.UncompressedMimeType)

	pkg, err := Build([]byte(testEnvelope), message.SOAP12, []*Attachment{att})
	require.NoError(t, err)

	_, atts, err := Parse(pkg.ContentType, bytes.NewReader(pkg.Body))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, compression.TypeGzip, atts[0].MimeType)

	data, err := atts[0].Read()
	require.NoError(t, err)
	assert.True(t, compression.IsCompressed(data))
}

func TestBuildWritesSourcesUntouched(t *testing.T) {
	// Security runs between CompressParts and Build; the writer must not
	// transform the bytes again behind the signature's back.
	payload := []byte("prepared-part-bytes")
	att := NewAttachment("application/xml", payload)
	att.Compression = compression.TypeGzip

	pkg, err := Build([]byte(testEnvelope), message.SOAP12, []*Attachment{att})
	require.NoError(t, err)

	_, atts, err := Parse(pkg.ContentType, bytes.NewReader(pkg.Body))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	data, err := atts[0].Read()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestParsePlainEnvelope(t *testing.T) {
	env, atts, err := Parse("application/soap+xml; charset=utf-8", strings.NewReader(testEnvelope))
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), env)
	assert.Empty(t, atts)
}

func TestParseMissingBoundary(t *testing.T) {
	_, _, err := Parse("multipart/related", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestCorrelate(t *testing.T) {
	payload := bytes.Repeat([]byte("<item/>"), 50)
	att := NewAttachment("", payload)
	att.Compression = compression.TypeGzip
	att.MimeType = "application/xml"

	require.NoError(t, CompressParts([]*Attachment{att}))
	pkg, err := Build([]byte(testEnvelope), message.SOAP12, []*Attachment{att})
	require.NoError(t, err)
	_, atts, err := Parse(pkg.ContentType, bytes.NewReader(pkg.Body))
	require.NoError(t, err)

	um := &message.UserMessage{
		MessageInfo: message.MessageInfo{MessageID: "m1"},
		PayloadInfo: []message.PartInfo{{
			Href: "cid:" + att.ContentID,
			Properties: []message.Property{
				{Name: message.PropMimeType, Value: "application/xml"},
				{Name: message.PropCompressionType, Value: compression.TypeGzip},
			},
		}},
	}

	require.NoError(t, Correlate(atts, um))
	assert.Equal(t, "application/xml", atts[0].MimeType)

	data, err := atts[0].Read()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestCorrelateDecompressionFailure(t *testing.T) {
	atts := []*Attachment{{
		ContentID: "bad@phase4",
		Source:    BytesSource("not gzip"),
	}}
	um := &message.UserMessage{
		MessageInfo: message.MessageInfo{MessageID: "m1"},
		PayloadInfo: []message.PartInfo{{
			Href: "cid:bad@phase4",
			Properties: []message.Property{
				{Name: message.PropCompressionType, Value: compression.TypeGzip},
			},
		}},
	}

	err := Correlate(atts, um)
	require.Error(t, err)
	ebms := message.AsEBMSError(err, "")
	assert.Equal(t, message.CodeDecompressionFailure, ebms.Code)
}

func TestCorrelateMissingPart(t *testing.T) {
	um := &message.UserMessage{
		MessageInfo: message.MessageInfo{MessageID: "m1"},
		PayloadInfo: []message.PartInfo{{Href: "cid:ghost@phase4"}},
	}
	err := Correlate(nil, um)
	require.Error(t, err)
	assert.Equal(t, message.CodeMimeInconsistency, message.AsEBMSError(err, "").Code)
}

func TestAttachmentPartInfo(t *testing.T) {
	att := NewAttachment("application/xml", []byte("<x/>"))
	att.Compression = compression.TypeGzip
	att.Charset = "utf-8"

	pi := att.PartInfo()
	assert.Equal(t, "cid:"+att.ContentID, pi.Href)
	assert.Equal(t, "application/xml", pi.Property(message.PropMimeType))
	assert.Equal(t, compression.TypeGzip, pi.Property(message.PropCompressionType))
	assert.Equal(t, "utf-8", pi.Property(message.PropCharacterSet))
}
