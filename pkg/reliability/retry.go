// Package reliability implements reception awareness for outgoing
// messages: bounded retransmission of unacknowledged messages, receipt
// correlation, and fast failure for definitive errors.
package reliability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phax/phase4-sub011/pkg/mep"
	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
	"github.com/phax/phase4-sub011/pkg/transport"
)

var (
	// ErrNonRepeatableSource is returned when a retransmission would
	// need to re-read a single-shot payload source.
	ErrNonRepeatableSource = errors.New("cannot retransmit: payload source is not repeatable")
	// ErrNoReceipt is returned when all attempts ran out without an
	// acknowledgment.
	ErrNoReceipt = errors.New("no receipt received")
)

// AttemptError wraps the last failure with the attempt count.
type AttemptError struct {
	Attempts int
	Last     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *AttemptError) Unwrap() error { return e.Last }

// Poster abstracts the HTTP client for tests.
type Poster interface {
	Send(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error)
}

// Request is one reliable transmission.
type Request struct {
	Endpoint string

	// Exchange identifies the MEP instance this transmission belongs to.
	// Response signals must correlate to its MessageID.
	Exchange mep.Exchange

	// ExpectSignal marks bindings whose back channel must carry a receipt
	// or error signal. An empty response then counts as a delivery
	// failure instead of an asynchronous acknowledgment.
	ExpectSignal bool

	// Build assembles the wire body. It runs once per attempt so that
	// security headers carrying timestamps stay fresh.
	Build func() (*mime.Package, error)

	// Attachments are checked for repeatability before a second attempt.
	Attachments []*mime.Attachment

	Policy *pmode.ReceptionAwareness
}

// Result is a successful transmission.
type Result struct {
	Attempts int
	Receipt  *message.SignalMessage
	Response *transport.Response
}

// Sender retransmits until a receipt arrives, a definitive error signal
// comes back, or attempts run out.
type Sender struct {
	Poster Poster
	Logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a sender over the given poster.
func NewSender(poster Poster, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{Poster: poster, Logger: logger, sleep: sleepCtx}
}

// Send runs the transmission loop. A disabled or nil policy sends exactly
// once.
func (s *Sender) Send(ctx context.Context, req Request) (*Result, error) {
	policy := req.Policy
	if policy == nil || !policy.Enabled {
		policy = &pmode.ReceptionAwareness{MaxRetries: 0, RetryInterval: 0}
	}
	maxAttempts := policy.MaxRetries + 1
	interval := policy.RetryInterval
	backoff := policy.BackoffFactor
	if backoff <= 0 {
		backoff = 1.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			for _, att := range req.Attachments {
				if !att.Source.Repeatable() {
					return nil, &AttemptError{Attempts: attempt - 1, Last: ErrNonRepeatableSource}
				}
			}
			if err := s.sleep(ctx, interval); err != nil {
				return nil, &AttemptError{Attempts: attempt - 1, Last: err}
			}
			interval = time.Duration(float64(interval) * backoff)
		}

		result, retry, err := s.attempt(ctx, req, attempt)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		if !retry {
			return nil, &AttemptError{Attempts: attempt, Last: err}
		}
		s.Logger.Warn("transmission attempt failed",
			slog.String("message_id", req.Exchange.MessageID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, &AttemptError{Attempts: maxAttempts, Last: lastErr}
}

// attempt runs one transmission. retry reports whether the failure is
// transient.
func (s *Sender) attempt(ctx context.Context, req Request, attempt int) (*Result, bool, error) {
	pkg, err := req.Build()
	if err != nil {
		return nil, false, fmt.Errorf("assemble message: %w", err)
	}

	resp, err := s.Poster.Send(ctx, req.Endpoint, pkg.Body, pkg.ContentType)
	if err != nil {
		return nil, transport.IsTransient(err, 0), err
	}
	if !resp.OK() {
		err := fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
		if transport.IsTransient(nil, resp.StatusCode) {
			return nil, true, err
		}
		// A non-transient HTTP status may still carry an ebMS error
		// signal worth surfacing.
		if ebms := extractErrorSignal(resp.Body); ebms != nil {
			return nil, false, ebms
		}
		return nil, false, err
	}

	if len(resp.Body) == 0 {
		if req.ExpectSignal {
			return nil, true, fmt.Errorf("%w: empty response where a signal was expected", ErrNoReceipt)
		}
		// Async acknowledgment mode: the receipt arrives on a separate
		// connection later.
		return &Result{Response: resp}, false, nil
	}

	env, _, perr := mime.Parse(resp.ContentType, bytes.NewReader(resp.Body))
	if perr != nil {
		return nil, false, fmt.Errorf("parse response body: %w", perr)
	}
	parsed, perr := message.ParseEnvelope(env)
	if perr != nil {
		if errors.Is(perr, message.ErrNoMessaging) {
			if req.ExpectSignal {
				return nil, true, fmt.Errorf("%w: response carries no signal", ErrNoReceipt)
			}
			return &Result{Response: resp}, false, nil
		}
		return nil, false, fmt.Errorf("parse response envelope: %w", perr)
	}

	sig := parsed.Messaging.FirstSignal()
	if sig == nil {
		if req.ExpectSignal {
			return nil, true, fmt.Errorf("%w: response carries no signal", ErrNoReceipt)
		}
		return &Result{Response: resp}, false, nil
	}
	switch {
	case sig.IsError():
		// Definitive rejection by the receiver, never retried.
		e := sig.Errors[0]
		return nil, false, &e
	case sig.IsReceipt():
		if req.Exchange.MessageID != "" && !req.Exchange.Correlates(sig.MessageInfo.RefToMessageID) {
			// A miscorrelated receipt counts as a missing one and stays
			// inside the retry budget.
			return nil, true, fmt.Errorf("%w: receipt references %q, want %q",
				ErrNoReceipt, sig.MessageInfo.RefToMessageID, req.Exchange.MessageID)
		}
		return &Result{Receipt: sig, Response: resp}, false, nil
	}
	return &Result{Response: resp}, false, nil
}

func extractErrorSignal(body []byte) *message.EBMSError {
	if len(body) == 0 {
		return nil
	}
	parsed, err := message.ParseEnvelope(body)
	if err != nil {
		return nil
	}
	if sig := parsed.Messaging.FirstSignal(); sig != nil && sig.IsError() {
		e := sig.Errors[0]
		return &e
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
