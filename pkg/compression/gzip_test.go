package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := NewCompressor()

	// Repetitive input so the compressed form is reliably smaller.
	data := bytes.Repeat([]byte("invoice line item 42; "), 64)

	compressed, err := c.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
	assert.True(t, IsCompressed(compressed))

	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressEmpty(t *testing.T) {
	c := NewCompressor()

	compressed, err := c.Compress(nil)
	require.NoError(t, err)
	assert.True(t, IsCompressed(compressed))

	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	c := NewCompressor()
	_, err := c.Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)
}

func TestDecompressRejectsCorruptedHeader(t *testing.T) {
	c := NewCompressor()
	compressed, err := c.Compress([]byte("payload content that will be corrupted"))
	require.NoError(t, err)

	compressed[0] = 0xFF
	compressed[1] = 0xFF
	assert.False(t, IsCompressed(compressed))
	_, err = c.Decompress(compressed)
	assert.Error(t, err)
}

func TestShouldCompress(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/xml", true},
		{"text/plain", true},
		{"text/plain; charset=utf-8", true},
		{"application/json", true},
		{"", true},
		{"application/gzip", false},
		{"application/zip", false},
		{"image/jpeg", false},
		{"image/png", false},
		{"video/mp4", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldCompress(tt.contentType))
		})
	}
}

func TestIsCompressed(t *testing.T) {
	assert.False(t, IsCompressed(nil))
	assert.False(t, IsCompressed([]byte{0x1f}))
	assert.True(t, IsCompressed([]byte{0x1f, 0x8b, 0x08}))
}
