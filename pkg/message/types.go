// Package message holds the ebMS3 message model, the functional-option
// message builder, the SOAP envelope codec and the ebMS error taxonomy.
package message

import "time"

// ebMS3 namespace URIs
const (
	NamespaceEbMS3 = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NamespaceEbBP  = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
)

// Messaging is the eb:Messaging header: one UserMessage or one or more
// SignalMessages.
type Messaging struct {
	UserMessage    *UserMessage
	SignalMessages []SignalMessage
}

// FirstSignal returns the first signal message, or nil.
func (m *Messaging) FirstSignal() *SignalMessage {
	if len(m.SignalMessages) == 0 {
		return nil
	}
	return &m.SignalMessages[0]
}

// MessageInfo carries the message id, timestamp and optional reference to
// the message being answered.
type MessageInfo struct {
	MessageID      string
	RefToMessageID string
	Timestamp      time.Time
}

// UserMessage is a business message.
type UserMessage struct {
	MessageInfo       MessageInfo
	MPC               string
	PartyInfo         PartyInfo
	CollaborationInfo CollaborationInfo
	MessageProperties []Property
	PayloadInfo       []PartInfo
}

// SignalMessage is an ebMS signal: exactly one of Receipt, Errors or
// PullRequest is set.
type SignalMessage struct {
	MessageInfo MessageInfo
	Receipt     *Receipt
	Errors      []EBMSError
	PullRequest *PullRequest
}

// IsReceipt reports whether the signal is a receipt.
func (s *SignalMessage) IsReceipt() bool { return s.Receipt != nil }

// IsError reports whether the signal carries errors.
func (s *SignalMessage) IsError() bool { return len(s.Errors) > 0 }

// IsPullRequest reports whether the signal is a pull request.
func (s *SignalMessage) IsPullRequest() bool { return s.PullRequest != nil }

// Receipt acknowledges receipt of a user message. NonRepudiation carries
// the ebbp:NonRepudiationInformation references when the original was
// signed.
type Receipt struct {
	NonRepudiation []ReferenceDigest
}

// ReferenceDigest is one ds:Reference echoed back in a non-repudiation
// receipt.
type ReferenceDigest struct {
	URI          string
	DigestMethod string
	DigestValue  string
}

// PullRequest asks the responder to release a message from an MPC.
type PullRequest struct {
	MPC string
}

// PartyInfo names the sending and receiving parties.
type PartyInfo struct {
	From PartyID
	To   PartyID
}

// PartyID is one party identifier with its role.
type PartyID struct {
	ID   string
	Type string
	Role string
}

// CollaborationInfo carries the business context of a user message.
type CollaborationInfo struct {
	AgreementRef   string
	AgreementType  string
	PModeID        string
	Service        string
	ServiceType    string
	Action         string
	ConversationID string
}

// Property is a name/value message or part property.
type Property struct {
	Name  string
	Value string
	Type  string
}

// PartInfo describes one payload part of a user message.
type PartInfo struct {
	// Href is the part reference, "cid:..." for attachments or empty for
	// a body payload.
	Href       string
	Properties []Property
}

// Property returns the value of the named part property, or "".
func (p *PartInfo) Property(name string) string {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// Well-known part property names
const (
	PropMimeType        = "MimeType"
	PropCompressionType = "CompressionType"
	PropCharacterSet    = "CharacterSet"
)
