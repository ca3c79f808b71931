// Package compression implements the AS4 GZIP payload compression
// feature. Compression applies to attachment parts only, never to the
// SOAP envelope, and is advertised through the CompressionType part
// property.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"strings"
)

// TypeGzip is the CompressionType part property value for GZIP.
const TypeGzip = "application/gzip"

// gzip magic bytes, RFC 1952
var gzipMagic = []byte{0x1f, 0x8b}

// Compressor applies GZIP at a fixed compression level.
type Compressor struct {
	level int
}

// NewCompressor returns a compressor at the default level.
func NewCompressor() *Compressor {
	return &Compressor{level: gzip.DefaultCompression}
}

// NewCompressorWithLevel returns a compressor at the given gzip level.
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{level: level}
}

// Compress GZIP-compresses data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates GZIP data.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("gzip inflate: %w", err)
	}
	return buf.Bytes(), nil
}

// IsCompressed reports whether data starts with the GZIP magic bytes.
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == gzipMagic[0] && data[1] == gzipMagic[1]
}

// alreadyCompressed lists media types that gain nothing from another
// compression pass.
var alreadyCompressed = map[string]bool{
	"application/gzip":   true,
	"application/x-gzip": true,
	"application/zip":    true,
	"application/zstd":   true,
	"image/jpeg":         true,
	"image/png":          true,
	"image/webp":         true,
	"video/mp4":          true,
	"audio/mpeg":         true,
	"audio/mp3":          true,
}

// ShouldCompress reports whether a part of the given content type is worth
// compressing. Parameters such as charset are ignored.
func ShouldCompress(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	return !alreadyCompressed[mediaType]
}
