package msh

import (
	"context"
	"sync"

	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// Dispatch carries a fully verified incoming user message to business
// processors. Attachments are decrypted and decompressed.
type Dispatch struct {
	PMode       *pmode.ProcessingMode
	UserMessage *message.UserMessage
	Attachments []*mime.Attachment
}

// Result is a processor's verdict on a dispatched message.
type Result struct {
	OK   bool
	Text string

	// ResponseMessage and ResponseAttachments fill the second leg of a
	// synchronous two-way exchange. Nil for one-way.
	ResponseMessage     *message.UserMessage
	ResponseAttachments []*mime.Attachment
}

// Accept returns a successful result.
func Accept() *Result { return &Result{OK: true} }

// Reject returns a failed result with a reason shown to the sender.
func Reject(text string) *Result { return &Result{OK: false, Text: text} }

// UserMessageProcessor handles dispatched user messages.
type UserMessageProcessor interface {
	ProcessUserMessage(ctx context.Context, d *Dispatch) (*Result, error)
}

// SignalProcessor observes incoming signal messages: receipts and errors
// arriving asynchronously for previously sent messages.
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, sig *message.SignalMessage, pm *pmode.ProcessingMode) error
}

// ProcessorRegistry holds registered processors in registration order. The
// first user message processor claiming a dispatch decides the outcome.
type ProcessorRegistry struct {
	mu      sync.RWMutex
	users   []UserMessageProcessor
	signals []SignalProcessor
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{}
}

// RegisterUserProcessor appends a user message processor.
func (r *ProcessorRegistry) RegisterUserProcessor(p UserMessageProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, p)
}

// RegisterSignalProcessor appends a signal processor.
func (r *ProcessorRegistry) RegisterSignalProcessor(p SignalProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, p)
}

// DispatchUserMessage runs every registered processor in registration
// order, stopping at the first failure. With none registered the message
// is accepted, matching store-and-notify setups where delivery happens
// out of band. When several processors succeed, the first result
// carrying response content wins.
func (r *ProcessorRegistry) DispatchUserMessage(ctx context.Context, d *Dispatch) (*Result, error) {
	r.mu.RLock()
	procs := r.users
	r.mu.RUnlock()

	final := Accept()
	for _, p := range procs {
		res, err := p.ProcessUserMessage(ctx, d)
		if err != nil {
			return nil, err
		}
		if !res.OK {
			return res, nil
		}
		if final.ResponseMessage == nil && res.ResponseMessage != nil {
			final = res
		}
	}
	return final, nil
}

// DispatchSignal notifies every signal processor, stopping at the first
// error.
func (r *ProcessorRegistry) DispatchSignal(ctx context.Context, sig *message.SignalMessage, pm *pmode.ProcessingMode) error {
	r.mu.RLock()
	procs := r.signals
	r.mu.RUnlock()
	for _, p := range procs {
		if err := p.ProcessSignal(ctx, sig, pm); err != nil {
			return err
		}
	}
	return nil
}
