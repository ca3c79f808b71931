package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/phax/phase4-sub011/pkg/compression"
	"github.com/phax/phase4-sub011/pkg/message"
)

const envelopeContentID = "soap-envelope@phase4"

// Package is a serialized AS4 request or response body.
type Package struct {
	// ContentType is the full header value including boundary, type and
	// start parameters for multipart bodies.
	ContentType string
	Body        []byte
}

// CompressParts gzips the source of every attachment marked for
// compression so that signature digests and ciphertext cover the exact
// bytes that travel on the wire. It therefore runs before security is
// applied; Build then writes the sources untouched.
func CompressParts(atts []*Attachment) error {
	gz := compression.NewCompressor()
	for _, att := range atts {
		if att.Compression != compression.TypeGzip {
			continue
		}
		data, err := att.Read()
		if err != nil {
			return fmt.Errorf("read attachment %s: %w", att.ContentID, err)
		}
		packed, err := gz.Compress(data)
		if err != nil {
			return fmt.Errorf("compress attachment %s: %w", att.ContentID, err)
		}
		if att.UncompressedMimeType == "" {
			att.UncompressedMimeType = att.MimeType
		}
		att.Source = BytesSource(packed)
	}
	return nil
}

// Build serializes an envelope and its attachments. With no attachments
// the result is the bare envelope; otherwise a multipart/related body with
// the envelope as root part. Attachment sources are written as-is;
// compression happens earlier via CompressParts so that security covers
// the compressed bytes.
func Build(env []byte, version message.SOAPVersion, atts []*Attachment) (*Package, error) {
	if len(atts) == 0 {
		return &Package{
			ContentType: version.ContentType() + "; charset=utf-8",
			Body:        env,
		}, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	rootHeader := textproto.MIMEHeader{}
	rootHeader.Set("Content-Type", version.ContentType()+"; charset=utf-8")
	rootHeader.Set("Content-Transfer-Encoding", "binary")
	rootHeader.Set("Content-ID", "<"+envelopeContentID+">")
	root, err := mw.CreatePart(rootHeader)
	if err != nil {
		return nil, fmt.Errorf("create envelope part: %w", err)
	}
	if _, err := root.Write(env); err != nil {
		return nil, fmt.Errorf("write envelope part: %w", err)
	}

	for _, att := range atts {
		data, err := att.Read()
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", att.ContentID, err)
		}
		partType := att.MimeType
		if att.Compression == compression.TypeGzip {
			partType = compression.TypeGzip
		}
		if partType == "" {
			partType = "application/octet-stream"
		}

		h := textproto.MIMEHeader{}
		h.Set("Content-Type", partType)
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Content-ID", "<"+att.ContentID+">")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, fmt.Errorf("write attachment part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	contentType := mime.FormatMediaType("multipart/related", map[string]string{
		"boundary": mw.Boundary(),
		"type":     version.ContentType(),
		"start":    "<" + envelopeContentID + ">",
	})
	return &Package{ContentType: contentType, Body: buf.Bytes()}, nil
}

// Parse splits a request body into the SOAP envelope and its attachment
// parts. Compressed parts stay compressed; Unpack inflates them after the
// part properties are known.
func Parse(contentType string, body io.Reader) ([]byte, []*Attachment, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil, fmt.Errorf("parse content type: %w", err)
	}

	if !strings.EqualFold(mediaType, "multipart/related") {
		env, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, fmt.Errorf("read envelope: %w", err)
		}
		return env, nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, fmt.Errorf("multipart/related without boundary")
	}

	var (
		env  []byte
		atts []*Attachment
	)
	mr := multipart.NewReader(body, boundary)
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read part %d: %w", i, err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read part %d body: %w", i, err)
		}

		// The envelope is the first part, or the part named by the
		// start parameter.
		cid := NormalizeContentID(part.Header.Get("Content-Id"))
		isRoot := i == 0
		if start := params["start"]; start != "" {
			isRoot = cid == NormalizeContentID(start)
		}
		if isRoot && env == nil {
			env = data
			continue
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		atts = append(atts, &Attachment{
			ContentID: cid,
			MimeType:  partType,
			Source:    BytesSource(data),
		})
	}
	if env == nil {
		return nil, nil, fmt.Errorf("multipart body has no envelope part")
	}
	return env, atts, nil
}

// Correlate enriches parsed attachments with the part properties announced
// in the user message's PayloadInfo, and inflates compressed parts. A
// decompression failure is reported as EBMS:0303.
func Correlate(atts []*Attachment, um *message.UserMessage) error {
	gz := compression.NewCompressor()
	for _, pi := range um.PayloadInfo {
		if !strings.HasPrefix(pi.Href, "cid:") {
			continue
		}
		att := FindAttachment(atts, pi.Href)
		if att == nil {
			return message.NewEBMSError(message.CodeMimeInconsistency, um.MessageInfo.MessageID,
				fmt.Sprintf("PartInfo %s has no matching MIME part", pi.Href))
		}

		if mt := pi.Property(message.PropMimeType); mt != "" {
			att.UncompressedMimeType = mt
		}
		if cs := pi.Property(message.PropCharacterSet); cs != "" {
			att.Charset = cs
		}
		if ct := pi.Property(message.PropCompressionType); ct != "" {
			att.Compression = ct
			data, err := att.Read()
			if err != nil {
				return fmt.Errorf("read attachment %s: %w", att.ContentID, err)
			}
			inflated, err := gz.Decompress(data)
			if err != nil {
				return message.NewEBMSError(message.CodeDecompressionFailure, um.MessageInfo.MessageID,
					fmt.Sprintf("part %s: %v", pi.Href, err))
			}
			att.Source = BytesSource(inflated)
			att.MimeType = att.UncompressedMimeType
		}
		for _, p := range pi.Properties {
			att.Properties = append(att.Properties, p)
		}
	}
	return nil
}
