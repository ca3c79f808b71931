/*
Package phase4 implements the OASIS AS4 profile of ebMS 3.0 for secure,
reliable business-to-business document exchange.

# Overview

The module covers the full message lifecycle on both sides of an
exchange: processing mode management, message construction, SOAP 1.1/1.2
envelope handling, SwA multipart packaging with gzip compression,
WS-Security signing and attachment encryption, reception awareness with
retransmission and duplicate elimination, and pull-mode message
partition channels.

# Package Structure

	pkg/pmode       - Processing Mode model, registry and resolver
	pkg/profile     - Conformance profiles (CEF, Peppol, ENTSOG, BDEW)
	pkg/mep         - Message Exchange Patterns and bindings
	pkg/message     - ebMS3 header model, builders, envelope codec, error taxonomy
	pkg/mime        - Attachments and multipart/related packaging
	pkg/compression - GZIP payload compression
	pkg/security    - WS-Security orchestration: XML signatures, attachment encryption
	pkg/dedup       - Duplicate detection with windowed eviction
	pkg/reliability - Reception awareness retransmission and receipt correlation
	pkg/transport   - HTTPS client with TLS 1.2/1.3
	pkg/msh         - Message Service Handler: receiver, sender, processor SPI
	pkg/discovery   - BDXL endpoint discovery via DNS U-NAPTR

The cmd/as4d command runs the handler as a standalone HTTP server
configured from YAML; internal/ holds its config, MongoDB storage,
Prometheus metrics and HTTP server wiring.

# Quick Start

Receiving requires a Core with a registered processor:

	core := msh.NewCore(store, resolver, detector, security.NewOrchestrator(keys))
	core.Processors.RegisterUserProcessor(myProcessor)
	http.Handle("POST /as4", msh.NewReceiver(core))

Sending goes through the same Core:

	res, err := core.Submit(ctx, msh.Submission{
	    PModeID:     "my-pmode",
	    Attachments: []*mime.Attachment{mime.NewAttachment("application/xml", doc)},
	})

See examples/basic for a complete two-endpoint exchange.

# References

  - OASIS AS4 Profile of ebMS 3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - WS-Security 1.1.1: https://docs.oasis-open.org/wss/v1.1/
*/
package phase4
