// Package msh implements the message service handler: the inbound request
// state machine, the outbound submission pipeline, and the registries that
// connect business processors to the protocol engine.
package msh

import (
	"context"
	"log/slog"

	"github.com/phax/phase4-sub011/pkg/dedup"
	"github.com/phax/phase4-sub011/pkg/pmode"
	"github.com/phax/phase4-sub011/pkg/reliability"
	"github.com/phax/phase4-sub011/pkg/security"
)

// Recorder receives operational counters. The metrics package provides a
// Prometheus implementation; NopRecorder discards everything.
type Recorder interface {
	MessageReceived()
	MessageSent(attempts int)
	DuplicateDetected()
	ErrorRaised(code string)
}

// EndpointLocator resolves a counterparty party identifier to its AS4
// endpoint URL when the processing mode names no literal address. The
// discovery package provides a BDXL implementation.
type EndpointLocator interface {
	Locate(ctx context.Context, partyID string) (string, error)
}

// NopRecorder is the no-op Recorder.
type NopRecorder struct{}

func (NopRecorder) MessageReceived()        {}
func (NopRecorder) MessageSent(int)         {}
func (NopRecorder) DuplicateDetected()      {}
func (NopRecorder) ErrorRaised(string)      {}

// Core bundles the collaborators of one message service handler instance.
// All dependencies are explicit; there is no package-level state.
type Core struct {
	PModes   pmode.Store
	Resolver *pmode.Resolver
	Detector *dedup.Detector
	Security security.Processor

	Processors *ProcessorRegistry
	Queue      *MPCQueue
	Sender     *reliability.Sender
	Locator    EndpointLocator

	Logger  *slog.Logger
	Metrics Recorder
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(c *Core) { c.Metrics = r }
}

// WithSender sets the reliable sender used for outbound transmissions.
func WithSender(s *reliability.Sender) Option {
	return func(c *Core) { c.Sender = s }
}

// WithLocator sets the endpoint locator consulted for processing modes
// without a literal counterparty address.
func WithLocator(l EndpointLocator) Option {
	return func(c *Core) { c.Locator = l }
}

// NewCore wires a Core over its mandatory collaborators and applies
// options. Missing optional pieces get working defaults.
func NewCore(store pmode.Store, resolver *pmode.Resolver, detector *dedup.Detector, sec security.Processor, opts ...Option) *Core {
	c := &Core{
		PModes:     store,
		Resolver:   resolver,
		Detector:   detector,
		Security:   sec,
		Processors: NewProcessorRegistry(),
		Queue:      NewMPCQueue(),
		Logger:     slog.Default(),
		Metrics:    NopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
