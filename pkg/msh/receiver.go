package msh

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub011/pkg/dedup"
	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// Stage names the states of the inbound processing machine. Every
// transition is logged.
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageParsed           Stage = "PARSED"
	StageHeaderExtracted  Stage = "HEADER_EXTRACTED"
	StagePModeResolved    Stage = "PMODE_RESOLVED"
	StageSecurityVerified Stage = "SECURITY_VERIFIED"
	StageDedupChecked     Stage = "DEDUP_CHECKED"
	StageDispatched       Stage = "DISPATCHED"
	StageResponseBuilt    Stage = "RESPONSE_BUILT"
	StageSent             Stage = "SENT"
	StageError            Stage = "ERROR"
)

// Receiver is the http.Handler accepting AS4 requests.
type Receiver struct {
	core *Core
}

// NewReceiver creates the inbound handler over core.
func NewReceiver(core *Core) *Receiver {
	return &Receiver{core: core}
}

func (rx *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rx.core.Metrics.MessageReceived()
	log := rx.core.Logger
	log.Debug("inbound request", slog.String("stage", string(StageReceived)),
		slog.String("remote", r.RemoteAddr))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	envXML, atts, err := mime.Parse(r.Header.Get("Content-Type"), bytes.NewReader(body))
	if err != nil {
		rx.respondError(w, message.SOAP12, "",
			message.NewEBMSError(message.CodeMimeInconsistency, "", err.Error()))
		return
	}
	log.Debug("request unpacked", slog.String("stage", string(StageParsed)),
		slog.Int("attachments", len(atts)))

	env, err := message.ParseEnvelope(envXML)
	if err != nil {
		rx.respondError(w, message.SOAP12, "",
			message.NewEBMSError(message.CodeInvalidHeader, "", err.Error()))
		return
	}
	log.Info("header extracted", slog.String("stage", string(StageHeaderExtracted)))

	if env.Messaging.UserMessage != nil {
		rx.handleUserMessage(w, r, envXML, env, atts)
		return
	}
	rx.handleSignal(w, r, env)
}

func (rx *Receiver) handleUserMessage(w http.ResponseWriter, r *http.Request, envXML []byte, env *message.Envelope, atts []*mime.Attachment) {
	ctx := r.Context()
	log := rx.core.Logger
	um := env.Messaging.UserMessage
	msgID := um.MessageInfo.MessageID
	log = log.With(slog.String("message_id", msgID))

	pm, err := rx.core.Resolver.Resolve(ctx, pmode.ResolveRequest{
		PModeID: um.CollaborationInfo.PModeID,
		Service: um.CollaborationInfo.Service,
		Action:  um.CollaborationInfo.Action,
		Initiator: pmode.Party{
			IDType:  um.PartyInfo.From.Type,
			IDValue: um.PartyInfo.From.ID,
			Role:    um.PartyInfo.From.Role,
		},
		Responder: pmode.Party{
			IDType:  um.PartyInfo.To.Type,
			IDValue: um.PartyInfo.To.ID,
			Role:    um.PartyInfo.To.Role,
		},
	})
	if err != nil {
		rx.respondError(w, env.Version, msgID,
			message.NewEBMSError(message.CodeValueNotRecognized, msgID, err.Error()))
		return
	}
	leg := pm.LegForMPC(um.MPC)
	if leg == nil {
		leg = pm.Leg1()
	}
	log.Info("pmode resolved", slog.String("stage", string(StagePModeResolved)),
		slog.String("pmode", pm.ID))

	sec := leg.Security
	if sec == nil {
		sec = &pmode.LegSecurity{}
	}
	if _, err := rx.core.Security.Open(envXML, env, sec, atts); err != nil {
		rx.respondError(w, env.Version, msgID, message.AsEBMSError(err, msgID))
		return
	}
	log.Info("security verified", slog.String("stage", string(StageSecurityVerified)))

	if err := mime.Correlate(atts, um); err != nil {
		rx.respondError(w, env.Version, msgID, message.AsEBMSError(err, msgID))
		return
	}

	// Duplicate elimination: a re-delivered id is acknowledged again but
	// never re-dispatched.
	elimination := leg.ReceptionAwareness != nil && leg.ReceptionAwareness.DuplicateElimination
	if elimination {
		outcome, err := rx.core.Detector.RegisterAndCheck(ctx, msgID)
		if err != nil {
			rx.respondError(w, env.Version, msgID,
				message.NewEBMSError(message.CodeOther, msgID, err.Error()))
			return
		}
		log.Info("duplicate check done", slog.String("stage", string(StageDedupChecked)),
			slog.Bool("duplicate", outcome == dedup.Duplicate))
		if outcome == dedup.Duplicate {
			rx.core.Metrics.DuplicateDetected()
			rx.respondReceipt(w, envXML, env, pm, leg, nil)
			return
		}
	}

	result, err := rx.core.Processors.DispatchUserMessage(ctx, &Dispatch{
		PMode:       pm,
		UserMessage: um,
		Attachments: atts,
	})
	if err != nil {
		rx.respondError(w, env.Version, msgID, message.AsEBMSError(err, msgID))
		return
	}
	if !result.OK {
		rx.respondError(w, env.Version, msgID,
			message.NewEBMSError(message.CodeOther, msgID, result.Text))
		return
	}
	log.Info("message dispatched", slog.String("stage", string(StageDispatched)))

	rx.respondReceipt(w, envXML, env, pm, leg, result)
}

// respondReceipt builds, optionally signs and writes the receipt for the
// incoming user message. A synchronous two-way result rides along as the
// second leg user message.
func (rx *Receiver) respondReceipt(w http.ResponseWriter, envXML []byte, env *message.Envelope, pm *pmode.ProcessingMode, leg *pmode.Leg, result *Result) {
	um := env.Messaging.UserMessage
	receipt := message.NewReceipt(um.MessageInfo.MessageID, extractSignedReferences(envXML))

	messaging := &message.Messaging{SignalMessages: []message.SignalMessage{*receipt}}
	var respAtts []*mime.Attachment
	if result != nil && result.ResponseMessage != nil {
		resp := result.ResponseMessage
		resp.MessageInfo.RefToMessageID = um.MessageInfo.MessageID
		for _, att := range result.ResponseAttachments {
			resp.PayloadInfo = append(resp.PayloadInfo, att.PartInfo())
		}
		messaging.UserMessage = resp
		respAtts = result.ResponseAttachments
	}

	respEnv, err := message.BuildEnvelope(env.Version, messaging)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}

	// Compression precedes signing so the signature covers the wire bytes.
	if err := mime.CompressParts(respAtts); err != nil {
		http.Error(w, "failed to package response", http.StatusInternalServerError)
		return
	}

	// Sign the response under the same leg policy; response payloads are
	// not encrypted on the back channel.
	respSec := &pmode.LegSecurity{}
	if leg.Security != nil {
		respSec.Sign = leg.Security.Sign
		respSec.WSSMustUnderstand = leg.Security.WSSMustUnderstand
	}
	out, err := rx.core.Security.Secure(respEnv, respSec, respAtts)
	if err != nil {
		rx.core.Logger.Error("failed to secure response",
			slog.String("error", err.Error()))
		http.Error(w, "failed to secure response", http.StatusInternalServerError)
		return
	}
	rx.core.Logger.Info("response built", slog.String("stage", string(StageResponseBuilt)),
		slog.String("ref_to", um.MessageInfo.MessageID))

	pkg, err := mime.Build(out, env.Version, respAtts)
	if err != nil {
		http.Error(w, "failed to package response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", pkg.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(pkg.Body)
	rx.core.Logger.Info("response sent", slog.String("stage", string(StageSent)))
}

// handleSignal processes incoming signal-only envelopes: pull requests,
// and receipts or errors arriving asynchronously.
func (rx *Receiver) handleSignal(w http.ResponseWriter, r *http.Request, env *message.Envelope) {
	sig := env.Messaging.FirstSignal()
	if sig == nil {
		rx.respondError(w, env.Version, "",
			message.NewEBMSError(message.CodeInvalidHeader, "", "empty Messaging header"))
		return
	}

	if sig.IsPullRequest() {
		rx.handlePullRequest(w, env, sig)
		return
	}

	if err := rx.core.Processors.DispatchSignal(r.Context(), sig, nil); err != nil {
		rx.respondError(w, env.Version, sig.MessageInfo.MessageID,
			message.AsEBMSError(err, sig.MessageInfo.MessageID))
		return
	}
	rx.core.Logger.Info("signal dispatched",
		slog.String("stage", string(StageDispatched)),
		slog.String("signal_message_id", sig.MessageInfo.MessageID))
	w.WriteHeader(http.StatusOK)
}

// handlePullRequest releases the oldest staged message on the requested
// MPC, or answers EBMS:0006 when the channel is empty.
func (rx *Receiver) handlePullRequest(w http.ResponseWriter, env *message.Envelope, sig *message.SignalMessage) {
	mpc := sig.PullRequest.MPC
	staged, ok := rx.core.Queue.Dequeue(mpc)
	if !ok {
		rx.core.Logger.Info("pull on empty channel", slog.String("mpc", mpc))
		rx.respondError(w, env.Version, sig.MessageInfo.MessageID,
			message.NewEBMSError(message.CodeEmptyMessagePartition, sig.MessageInfo.MessageID, ""))
		return
	}
	rx.core.Logger.Info("releasing pulled message",
		slog.String("mpc", mpc),
		slog.String("message_id", staged.MessageID))
	w.Header().Set("Content-Type", staged.Package.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(staged.Package.Body)
}

// respondError writes an ebMS error signal referencing the failed
// message. Warnings and failures both travel with HTTP 200; the signal
// severity carries the distinction.
func (rx *Receiver) respondError(w http.ResponseWriter, version message.SOAPVersion, refTo string, ebms *message.EBMSError) {
	rx.core.Metrics.ErrorRaised(ebms.Code)
	rx.core.Logger.Warn("responding with error signal",
		slog.String("stage", string(StageError)),
		slog.String("code", ebms.Code),
		slog.String("ref_to", refTo),
		slog.String("detail", ebms.Detail))

	sig := message.NewErrorSignal(refTo, ebms)
	env, err := message.BuildEnvelope(version, &message.Messaging{SignalMessages: []message.SignalMessage{*sig}})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	body, err := env.Bytes()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", version.ContentType()+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// extractSignedReferences copies the ds:Reference digests of a signed
// envelope into receipt non-repudiation entries. Unsigned envelopes yield
// none.
func extractSignedReferences(envelopeXML []byte) []message.ReferenceDigest {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelopeXML); err != nil {
		return nil
	}
	var refs []message.ReferenceDigest
	for _, ref := range doc.FindElements("//*[local-name()='SignedInfo']/*[local-name()='Reference']") {
		rd := message.ReferenceDigest{URI: ref.SelectAttrValue("URI", "")}
		if dm := ref.FindElement("./*[local-name()='DigestMethod']"); dm != nil {
			rd.DigestMethod = dm.SelectAttrValue("Algorithm", "")
		}
		if dv := ref.FindElement("./*[local-name()='DigestValue']"); dv != nil {
			rd.DigestValue = dv.Text()
		}
		refs = append(refs, rd)
	}
	return refs
}
