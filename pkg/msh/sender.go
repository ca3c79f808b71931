package msh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phax/phase4-sub011/pkg/compression"
	"github.com/phax/phase4-sub011/pkg/mep"
	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
	"github.com/phax/phase4-sub011/pkg/reliability"
)

// ErrNoSender is returned when Submit runs on a Core built without an
// outbound sender.
var ErrNoSender = errors.New("no outbound sender configured")

// Submission describes one outgoing user message. Collaboration fields
// left empty fall back to the resolved processing mode's leg defaults.
type Submission struct {
	PModeID        string
	Service        string
	ServiceType    string
	Action         string
	ConversationID string
	RefToMessageID string

	Properties  []message.Property
	Attachments []*mime.Attachment

	// Compress marks eligible payloads for gzip before packaging.
	Compress bool
}

// SendResult reports the outcome of a submission.
type SendResult struct {
	MessageID string
	Attempts  int
	Receipt   *message.SignalMessage

	// Staged is set when the message waits on an MPC for the receiver to
	// pull instead of being pushed.
	Staged bool
	MPC    string
}

// Submit resolves the processing mode, packages the payloads and either
// pushes the message with retransmission or stages it for pulling,
// depending on the MEP binding.
func (c *Core) Submit(ctx context.Context, sub Submission) (*SendResult, error) {
	pm, err := c.Resolver.Resolve(ctx, pmode.ResolveRequest{
		PModeID: sub.PModeID,
		Service: sub.Service,
		Action:  sub.Action,
	})
	if err != nil {
		return nil, err
	}
	leg := pm.Leg1()
	version, err := message.ParseSOAPVersion(leg.Protocol.SOAPVersion)
	if err != nil {
		return nil, err
	}

	if sub.Compress {
		markCompressible(sub.Attachments)
	}

	um, err := c.buildUserMessage(pm, leg, sub)
	if err != nil {
		return nil, err
	}

	sec := leg.Security
	if sec == nil {
		sec = &pmode.LegSecurity{}
	}
	build := func() (*mime.Package, error) {
		// Compression and encryption swap attachment sources in place, so
		// every attempt works on fresh copies and the originals stay
		// untouched. Compression comes first: signature digests and
		// ciphertext must cover the gzipped bytes that travel on the wire.
		atts := cloneAttachments(sub.Attachments)
		if err := mime.CompressParts(atts); err != nil {
			return nil, err
		}
		env, err := message.BuildEnvelope(version, &message.Messaging{UserMessage: um})
		if err != nil {
			return nil, err
		}
		secured, err := c.Security.Secure(env, sec, atts)
		if err != nil {
			return nil, err
		}
		return mime.Build(secured, version, atts)
	}

	if pm.MEPBinding == mep.BindingPull || pm.MEPBinding == mep.BindingPullPush {
		pkg, err := build()
		if err != nil {
			return nil, err
		}
		mpc := leg.BusinessInfo.MPC
		c.Queue.Stage(mpc, &StagedMessage{MessageID: um.MessageInfo.MessageID, Package: pkg})
		c.Logger.Info("message staged for pulling",
			slog.String("message_id", um.MessageInfo.MessageID),
			slog.String("mpc", mpc))
		return &SendResult{MessageID: um.MessageInfo.MessageID, Staged: true, MPC: mpc}, nil
	}

	if c.Sender == nil {
		return nil, ErrNoSender
	}
	endpoint := leg.Protocol.Address
	if endpoint == "" && c.Locator != nil {
		endpoint, err = c.Locator.Locate(ctx, pm.Responder.IDValue)
		if err != nil {
			return nil, fmt.Errorf("locate endpoint for %s: %w", pm.Responder.IDValue, err)
		}
		c.Logger.Debug("endpoint discovered",
			slog.String("party", pm.Responder.IDValue),
			slog.String("endpoint", endpoint))
	}
	res, err := c.Sender.Send(ctx, reliability.Request{
		Endpoint: endpoint,
		Exchange: mep.Exchange{
			ConversationID: um.CollaborationInfo.ConversationID,
			MessageID:      um.MessageInfo.MessageID,
		},
		ExpectSignal: mep.ExpectsResponseSignal(pm.MEP, pm.MEPBinding),
		Build:        build,
		Attachments:  sub.Attachments,
		Policy:       leg.ReceptionAwareness,
	})
	if err != nil {
		return nil, err
	}
	c.Metrics.MessageSent(res.Attempts)
	c.Logger.Info("message delivered",
		slog.String("message_id", um.MessageInfo.MessageID),
		slog.Int("attempts", res.Attempts))
	return &SendResult{
		MessageID: um.MessageInfo.MessageID,
		Attempts:  res.Attempts,
		Receipt:   res.Receipt,
	}, nil
}

// PullResult is a user message fetched from a remote MPC.
type PullResult struct {
	UserMessage *message.UserMessage
	Attachments []*mime.Attachment
}

// SendPullRequest asks the counterparty at endpoint to release the next
// message staged on mpc. An empty channel comes back as an
// EBMS:0006 warning wrapped in the returned error.
func (c *Core) SendPullRequest(ctx context.Context, endpoint, mpc string) (*PullResult, error) {
	if c.Sender == nil {
		return nil, ErrNoSender
	}
	sig := message.NewPullRequest(mpc)
	env, err := message.BuildEnvelope(message.SOAP12,
		&message.Messaging{SignalMessages: []message.SignalMessage{*sig}})
	if err != nil {
		return nil, err
	}
	body, err := env.Bytes()
	if err != nil {
		return nil, err
	}
	resp, err := c.Sender.Poster.Send(ctx, endpoint, body, message.SOAP12.ContentType()+"; charset=utf-8")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("pull request rejected with status %d", resp.StatusCode)
	}

	envXML, atts, err := mime.Parse(resp.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}
	pulled, err := message.ParseEnvelope(envXML)
	if err != nil {
		return nil, err
	}
	if s := pulled.Messaging.FirstSignal(); s != nil && s.IsError() {
		e := s.Errors[0]
		return nil, message.NewEBMSError(e.Code, e.RefToMessageID, e.Detail)
	}
	um := pulled.Messaging.UserMessage
	if um == nil {
		return nil, fmt.Errorf("pull response carries no user message")
	}
	if err := mime.Correlate(atts, um); err != nil {
		return nil, err
	}
	c.Logger.Info("message pulled",
		slog.String("message_id", um.MessageInfo.MessageID),
		slog.String("mpc", mpc))
	return &PullResult{UserMessage: um, Attachments: atts}, nil
}

func (c *Core) buildUserMessage(pm *pmode.ProcessingMode, leg *pmode.Leg, sub Submission) (*message.UserMessage, error) {
	service, serviceType := sub.Service, sub.ServiceType
	if service == "" {
		service, serviceType = leg.BusinessInfo.Service, leg.BusinessInfo.ServiceType
	}
	action := sub.Action
	if action == "" {
		action = leg.BusinessInfo.Action
	}

	opts := []message.Option{
		message.WithFrom(pm.Initiator.IDValue, pm.Initiator.IDType, pm.Initiator.Role),
		message.WithTo(pm.Responder.IDValue, pm.Responder.IDType, pm.Responder.Role),
		message.WithService(service, serviceType),
		message.WithAction(action),
	}
	if sub.ConversationID != "" {
		opts = append(opts, message.WithConversationID(sub.ConversationID))
	}
	if sub.RefToMessageID != "" {
		opts = append(opts, message.WithRefToMessageID(sub.RefToMessageID))
	}
	if pm.Agreement != nil {
		opts = append(opts, message.WithAgreementRef(pm.Agreement.Value, pm.ID))
	}
	if leg.BusinessInfo.MPC != "" {
		opts = append(opts, message.WithMPC(leg.BusinessInfo.MPC))
	}
	for _, p := range sub.Properties {
		opts = append(opts, message.WithMessageProperty(p.Name, p.Value))
	}

	b := message.NewBuilder(opts...)
	for _, att := range sub.Attachments {
		b.AddPayload(att.ContentID, att.PartInfo().Properties...)
	}
	return b.Build()
}

// markCompressible flags gzip compression on every payload with a
// compressible media type that is not already marked.
func markCompressible(atts []*mime.Attachment) {
	for _, att := range atts {
		if att.Compression != "" || !compression.ShouldCompress(att.MimeType) {
			continue
		}
		att.UncompressedMimeType = att.MimeType
		att.Compression = compression.TypeGzip
	}
}

func cloneAttachments(atts []*mime.Attachment) []*mime.Attachment {
	out := make([]*mime.Attachment, len(atts))
	for i, a := range atts {
		clone := *a
		clone.Properties = append([]message.Property(nil), a.Properties...)
		out[i] = &clone
	}
	return out
}
