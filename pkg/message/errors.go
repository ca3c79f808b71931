package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity of an ebMS error.
type Severity string

const (
	SeverityFailure Severity = "failure"
	SeverityWarning Severity = "warning"
)

// ebMS3 error codes
const (
	CodeValueNotRecognized     = "EBMS:0001"
	CodeFeatureNotSupported    = "EBMS:0002"
	CodeValueInconsistent      = "EBMS:0003"
	CodeOther                  = "EBMS:0004"
	CodeConnectionFailure      = "EBMS:0005"
	CodeEmptyMessagePartition  = "EBMS:0006"
	CodeMimeInconsistency      = "EBMS:0007"
	CodeFeatureNotSupportedInc = "EBMS:0008"
	CodeInvalidHeader          = "EBMS:0009"
	CodeProcessingModeMismatch = "EBMS:0010"
	CodeExternalPayloadError   = "EBMS:0011"
	CodeFailedAuthentication   = "EBMS:0101"
	CodeFailedDecryption       = "EBMS:0102"
	CodePolicyNoncompliance    = "EBMS:0103"
	CodeDysfunctionalReliab    = "EBMS:0201"
	CodeDeliveryFailure        = "EBMS:0202"
	CodeMissingReceipt         = "EBMS:0301"
	CodeInvalidReceipt         = "EBMS:0302"
	CodeDecompressionFailure   = "EBMS:0303"
)

// EBMSError is an ebMS3 error element. It implements the error interface
// so it can travel through ordinary error returns and be recovered with
// errors.As.
type EBMSError struct {
	Code           string
	Severity       Severity
	ShortDesc      string
	Category       string
	Origin         string
	Detail         string
	RefToMessageID string
}

func (e *EBMSError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.ShortDesc, e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.ShortDesc)
}

// IsFatal reports whether the error has failure severity.
func (e *EBMSError) IsFatal() bool { return e.Severity == SeverityFailure }

type errorMeta struct {
	short    string
	severity Severity
	category string
	origin   string
}

var errorTable = map[string]errorMeta{
	CodeValueNotRecognized:     {"ValueNotRecognized", SeverityFailure, "Content", "ebMS"},
	CodeFeatureNotSupported:    {"FeatureNotSupported", SeverityWarning, "Content", "ebMS"},
	CodeValueInconsistent:      {"ValueInconsistent", SeverityFailure, "Content", "ebMS"},
	CodeOther:                  {"Other", SeverityFailure, "Content", "ebMS"},
	CodeConnectionFailure:      {"ConnectionFailure", SeverityFailure, "Communication", "ebMS"},
	CodeEmptyMessagePartition:  {"EmptyMessagePartitionChannel", SeverityWarning, "Communication", "ebMS"},
	CodeMimeInconsistency:      {"MimeInconsistency", SeverityFailure, "Unpackaging", "ebMS"},
	CodeFeatureNotSupportedInc: {"FeatureNotSupportedInconsistency", SeverityFailure, "Unpackaging", "ebMS"},
	CodeInvalidHeader:          {"InvalidHeader", SeverityFailure, "Unpackaging", "ebMS"},
	CodeProcessingModeMismatch: {"ProcessingModeMismatch", SeverityFailure, "Processing", "ebMS"},
	CodeExternalPayloadError:   {"ExternalPayloadError", SeverityFailure, "Content", "ebMS"},
	CodeFailedAuthentication:   {"FailedAuthentication", SeverityFailure, "Processing", "security"},
	CodeFailedDecryption:       {"FailedDecryption", SeverityFailure, "Processing", "security"},
	CodePolicyNoncompliance:    {"PolicyNoncompliance", SeverityFailure, "Processing", "security"},
	CodeDysfunctionalReliab:    {"DysfunctionalReliability", SeverityFailure, "Processing", "reliability"},
	CodeDeliveryFailure:        {"DeliveryFailure", SeverityFailure, "Communication", "reliability"},
	CodeMissingReceipt:         {"MissingReceipt", SeverityFailure, "Communication", "ebMS"},
	CodeInvalidReceipt:         {"InvalidReceipt", SeverityFailure, "Communication", "ebMS"},
	CodeDecompressionFailure:   {"DecompressionFailure", SeverityFailure, "Processing", "ebMS"},
}

// NewEBMSError builds an error of the given code with the registered short
// description, severity and category. Unknown codes fall back to
// CodeOther metadata.
func NewEBMSError(code, refToMessageID, detail string) *EBMSError {
	meta, ok := errorTable[code]
	if !ok {
		meta = errorTable[CodeOther]
	}
	return &EBMSError{
		Code:           code,
		Severity:       meta.severity,
		ShortDesc:      meta.short,
		Category:       meta.category,
		Origin:         meta.origin,
		Detail:         detail,
		RefToMessageID: refToMessageID,
	}
}

// AsEBMSError extracts an EBMSError from an error chain. When err is not
// ebMS-coded it is wrapped as EBMS:0004 Other. The result is a copy, so
// filling in the message reference never mutates the error still held by
// the caller's chain.
func AsEBMSError(err error, refToMessageID string) *EBMSError {
	var ebms *EBMSError
	if errors.As(err, &ebms) {
		out := *ebms
		if out.RefToMessageID == "" {
			out.RefToMessageID = refToMessageID
		}
		return &out
	}
	return NewEBMSError(CodeOther, refToMessageID, err.Error())
}

// NewErrorSignal wraps one or more errors into an error signal message
// referencing the failed message.
func NewErrorSignal(refToMessageID string, errs ...*EBMSError) *SignalMessage {
	sig := &SignalMessage{
		MessageInfo: MessageInfo{
			MessageID:      uuid.NewString() + "@phase4",
			RefToMessageID: refToMessageID,
			Timestamp:      time.Now().UTC(),
		},
	}
	for _, e := range errs {
		if e.RefToMessageID == "" {
			e.RefToMessageID = refToMessageID
		}
		sig.Errors = append(sig.Errors, *e)
	}
	return sig
}
