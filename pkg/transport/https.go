// Package transport implements the HTTPS client side of AS4 message
// exchange and classifies transmission failures as transient or
// definitive for the retry layer.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// RecommendedTLS12CipherSuites are the cipher suites accepted when TLS 1.2
// is negotiated.
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Config holds client TLS and timeout settings.
type Config struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "phase4/1.0",
	}
}

// Response is the raw HTTP outcome of a transmission.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports whether the exchange completed with HTTP 200.
func (r *Response) OK() bool { return r.StatusCode == http.StatusOK }

// Client posts AS4 message bodies to counterparty endpoints.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient creates a client from config. A nil config uses defaults.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:   config.MinTLSVersion,
					MaxVersion:   config.MaxTLSVersion,
					CipherSuites: config.CipherSuites,
					Certificates: config.Certificates,
					RootCAs:      config.RootCAs,
				},
				IdleConnTimeout:     config.IdleConnTimeout,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
			Timeout: config.Timeout,
		},
		userAgent: config.UserAgent,
	}
}

// Send posts body to endpoint and returns the response regardless of
// status code; the caller decides what a non-200 means.
func (c *Client) Send(ctx context.Context, endpoint string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)
	// AS4 requires an empty SOAPAction
	req.Header.Set("SOAPAction", "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// IsTransient classifies a transmission outcome for retry purposes.
// Network errors, timeouts, HTTP 408, 429 and 5xx count as transient;
// other HTTP errors are definitive. A nil err with status 200 is not an
// error at all.
func IsTransient(err error, statusCode int) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		// Wrapped transport failures (connection refused, DNS) arrive as
		// url.Error chains.
		return !errors.Is(err, context.Canceled)
	}
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return true
	}
	return false
}
