package message

import (
	"fmt"
	"mime"
	"strings"
)

// SOAPVersion selects the envelope dialect. The two versions differ in
// namespace, content type and the lexical form of mustUnderstand.
type SOAPVersion int

const (
	// SOAP11 is SOAP 1.1 (text/xml, mustUnderstand "1"/"0").
	SOAP11 SOAPVersion = iota + 1
	// SOAP12 is SOAP 1.2 (application/soap+xml, mustUnderstand
	// "true"/"false").
	SOAP12
)

const (
	soap11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12Namespace = "http://www.w3.org/2003/05/soap-envelope"

	soap11ContentType = "text/xml"
	soap12ContentType = "application/soap+xml"
)

// String returns "1.1" or "1.2".
func (v SOAPVersion) String() string {
	if v == SOAP11 {
		return "1.1"
	}
	return "1.2"
}

// Namespace returns the envelope namespace URI.
func (v SOAPVersion) Namespace() string {
	if v == SOAP11 {
		return soap11Namespace
	}
	return soap12Namespace
}

// ContentType returns the bare envelope media type.
func (v SOAPVersion) ContentType() string {
	if v == SOAP11 {
		return soap11ContentType
	}
	return soap12ContentType
}

// MustUnderstandToken returns the version-correct lexical form of the
// mustUnderstand attribute value.
func (v SOAPVersion) MustUnderstandToken(must bool) string {
	if v == SOAP11 {
		if must {
			return "1"
		}
		return "0"
	}
	if must {
		return "true"
	}
	return "false"
}

// ParseSOAPVersion maps a PMode protocol version string to a SOAPVersion.
// Empty defaults to SOAP 1.2.
func ParseSOAPVersion(s string) (SOAPVersion, error) {
	switch s {
	case "", "1.2":
		return SOAP12, nil
	case "1.1":
		return SOAP11, nil
	}
	return 0, fmt.Errorf("unsupported SOAP version %q", s)
}

// SOAPVersionFromContentType detects the envelope version from a media
// type, looking through multipart/related at its "type" parameter.
func SOAPVersionFromContentType(contentType string) (SOAPVersion, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("parse content type: %w", err)
	}
	if strings.EqualFold(mediaType, "multipart/related") {
		inner := params["type"]
		if inner == "" {
			return 0, fmt.Errorf("multipart/related without type parameter")
		}
		return SOAPVersionFromContentType(inner)
	}
	switch strings.ToLower(mediaType) {
	case soap12ContentType:
		return SOAP12, nil
	case soap11ContentType:
		return SOAP11, nil
	}
	return 0, fmt.Errorf("unsupported content type %q", mediaType)
}

// DetectSOAPVersion infers the version from an envelope's namespace URI.
func DetectSOAPVersion(namespaceURI string) (SOAPVersion, error) {
	switch namespaceURI {
	case soap12Namespace:
		return SOAP12, nil
	case soap11Namespace:
		return SOAP11, nil
	}
	return 0, fmt.Errorf("unknown SOAP namespace %q", namespaceURI)
}
