// Package mep defines the AS4 Message Exchange Patterns and their bindings.
package mep

// MEP URIs from the ebMS3 core specification
const (
	OneWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	TwoWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// MEP binding URIs
const (
	BindingPush     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	BindingPull     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
	BindingPushPull = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPull"
	BindingPullPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pullAndPush"
	BindingSync     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/sync"
)

// Legs returns the number of legs a processing mode must declare for the
// given MEP URI, or 0 for an unknown MEP.
func Legs(mepURI string) int {
	switch mepURI {
	case OneWay:
		return 1
	case TwoWay:
		return 2
	default:
		return 0
	}
}

// ExpectsResponseSignal reports whether a sender using the given MEP and
// binding must correlate a signal message (receipt or error) carried on the
// back channel of the same exchange.
func ExpectsResponseSignal(mepURI, binding string) bool {
	if mepURI == TwoWay {
		return true
	}
	switch binding {
	case BindingPushPull, BindingPullPush, BindingSync:
		return true
	}
	return false
}

// Exchange correlates the messages of one MEP instance. The reliability
// layer matches inbound signals against the MessageID of the request leg.
type Exchange struct {
	ConversationID string
	MessageID      string
	RefToMessageID string
}

// Correlates reports whether a signal referencing refTo belongs to this
// exchange.
func (e Exchange) Correlates(refTo string) bool {
	return refTo != "" && refTo == e.MessageID
}
