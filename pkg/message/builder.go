package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrIncompleteMessage is returned by Build when required fields are
// missing.
var ErrIncompleteMessage = errors.New("incomplete message")

// Builder assembles a UserMessage with functional options.
type Builder struct {
	msg UserMessage
}

// Option configures the builder.
type Option func(*Builder)

// NewBuilder creates a builder with a fresh message id, current timestamp
// and the given options applied.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		msg: UserMessage{
			MessageInfo: MessageInfo{
				MessageID: uuid.NewString() + "@phase4",
				Timestamp: time.Now().UTC(),
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(b *Builder) { b.msg.MessageInfo.MessageID = id }
}

// WithRefToMessageID sets the id of the message being answered.
func WithRefToMessageID(id string) Option {
	return func(b *Builder) { b.msg.MessageInfo.RefToMessageID = id }
}

// WithFrom sets the sending party.
func WithFrom(id, idType, role string) Option {
	return func(b *Builder) {
		b.msg.PartyInfo.From = PartyID{ID: id, Type: idType, Role: role}
	}
}

// WithTo sets the receiving party.
func WithTo(id, idType, role string) Option {
	return func(b *Builder) {
		b.msg.PartyInfo.To = PartyID{ID: id, Type: idType, Role: role}
	}
}

// WithService sets the collaboration service.
func WithService(service, serviceType string) Option {
	return func(b *Builder) {
		b.msg.CollaborationInfo.Service = service
		b.msg.CollaborationInfo.ServiceType = serviceType
	}
}

// WithAction sets the collaboration action.
func WithAction(action string) Option {
	return func(b *Builder) { b.msg.CollaborationInfo.Action = action }
}

// WithConversationID sets the conversation id. Build generates one when
// unset.
func WithConversationID(id string) Option {
	return func(b *Builder) { b.msg.CollaborationInfo.ConversationID = id }
}

// WithAgreementRef sets the agreement reference and an optional explicit
// PMode id.
func WithAgreementRef(ref, pmodeID string) Option {
	return func(b *Builder) {
		b.msg.CollaborationInfo.AgreementRef = ref
		b.msg.CollaborationInfo.PModeID = pmodeID
	}
}

// WithMPC routes the message to a non-default message partition channel.
func WithMPC(mpc string) Option {
	return func(b *Builder) { b.msg.MPC = mpc }
}

// WithMessageProperty appends a message property.
func WithMessageProperty(name, value string) Option {
	return func(b *Builder) {
		b.msg.MessageProperties = append(b.msg.MessageProperties, Property{Name: name, Value: value})
	}
}

// AddPayload appends a payload part reference. contentID is bare (without
// the cid: scheme); properties describe the part for the recipient.
func (b *Builder) AddPayload(contentID string, properties ...Property) *Builder {
	b.msg.PayloadInfo = append(b.msg.PayloadInfo, PartInfo{
		Href:       "cid:" + contentID,
		Properties: properties,
	})
	return b
}

// Build validates and returns the assembled user message.
func (b *Builder) Build() (*UserMessage, error) {
	m := b.msg
	if m.PartyInfo.From.ID == "" || m.PartyInfo.To.ID == "" {
		return nil, fmt.Errorf("%w: from and to parties are required", ErrIncompleteMessage)
	}
	if m.CollaborationInfo.Service == "" || m.CollaborationInfo.Action == "" {
		return nil, fmt.Errorf("%w: service and action are required", ErrIncompleteMessage)
	}
	if m.CollaborationInfo.ConversationID == "" {
		m.CollaborationInfo.ConversationID = uuid.NewString()
	}
	return &m, nil
}

// NewReceipt builds a receipt signal for the given user message. refs
// carries non-repudiation digests when the original was signed; an empty
// slice produces a plain reception receipt.
func NewReceipt(refToMessageID string, refs []ReferenceDigest) *SignalMessage {
	return &SignalMessage{
		MessageInfo: MessageInfo{
			MessageID:      uuid.NewString() + "@phase4",
			RefToMessageID: refToMessageID,
			Timestamp:      time.Now().UTC(),
		},
		Receipt: &Receipt{NonRepudiation: refs},
	}
}

// NewPullRequest builds a pull request signal for the given MPC. An empty
// mpc pulls from the default channel.
func NewPullRequest(mpc string) *SignalMessage {
	return &SignalMessage{
		MessageInfo: MessageInfo{
			MessageID: uuid.NewString() + "@phase4",
			Timestamp: time.Now().UTC(),
		},
		PullRequest: &PullRequest{MPC: mpc},
	}
}
