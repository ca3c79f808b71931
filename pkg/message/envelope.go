package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
)

// ErrNoMessaging is returned when an envelope carries no eb:Messaging
// header.
var ErrNoMessaging = errors.New("envelope has no Messaging header")

// Envelope is a parsed SOAP envelope with its ebMS content.
type Envelope struct {
	Version   SOAPVersion
	Messaging Messaging

	// Doc is the underlying XML document. Security processing signs,
	// encrypts and verifies against this tree.
	Doc *etree.Document
}

// BuildEnvelope renders msg into a SOAP envelope of the given version. The
// eb:Messaging header is written with mustUnderstand in the
// version-correct lexical form.
func BuildEnvelope(version SOAPVersion, msg *Messaging) (*Envelope, error) {
	if msg.UserMessage == nil && len(msg.SignalMessages) == 0 {
		return nil, ErrNoMessaging
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", version.Namespace())
	env.CreateAttr("xmlns:eb", NamespaceEbMS3)

	header := env.CreateElement("soap:Header")
	messaging := header.CreateElement("eb:Messaging")
	messaging.CreateAttr("soap:mustUnderstand", version.MustUnderstandToken(true))

	for i := range msg.SignalMessages {
		writeSignalMessage(messaging, &msg.SignalMessages[i])
	}
	if msg.UserMessage != nil {
		writeUserMessage(messaging, msg.UserMessage)
	}

	env.CreateElement("soap:Body")

	return &Envelope{Version: version, Messaging: *msg, Doc: doc}, nil
}

// Bytes serializes the envelope document.
func (e *Envelope) Bytes() ([]byte, error) {
	return e.Doc.WriteToBytes()
}

func writeMessageInfo(parent *etree.Element, info *MessageInfo) {
	mi := parent.CreateElement("eb:MessageInfo")
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	mi.CreateElement("eb:Timestamp").SetText(ts.UTC().Format(time.RFC3339))
	mi.CreateElement("eb:MessageId").SetText(info.MessageID)
	if info.RefToMessageID != "" {
		mi.CreateElement("eb:RefToMessageId").SetText(info.RefToMessageID)
	}
}

func writeUserMessage(parent *etree.Element, um *UserMessage) {
	u := parent.CreateElement("eb:UserMessage")
	if um.MPC != "" {
		u.CreateAttr("mpc", um.MPC)
	}
	writeMessageInfo(u, &um.MessageInfo)

	pi := u.CreateElement("eb:PartyInfo")
	from := pi.CreateElement("eb:From")
	writePartyID(from, &um.PartyInfo.From)
	to := pi.CreateElement("eb:To")
	writePartyID(to, &um.PartyInfo.To)

	ci := u.CreateElement("eb:CollaborationInfo")
	if um.CollaborationInfo.AgreementRef != "" || um.CollaborationInfo.PModeID != "" {
		agr := ci.CreateElement("eb:AgreementRef")
		agr.SetText(um.CollaborationInfo.AgreementRef)
		if um.CollaborationInfo.AgreementType != "" {
			agr.CreateAttr("type", um.CollaborationInfo.AgreementType)
		}
		if um.CollaborationInfo.PModeID != "" {
			agr.CreateAttr("pmode", um.CollaborationInfo.PModeID)
		}
	}
	svc := ci.CreateElement("eb:Service")
	svc.SetText(um.CollaborationInfo.Service)
	if um.CollaborationInfo.ServiceType != "" {
		svc.CreateAttr("type", um.CollaborationInfo.ServiceType)
	}
	ci.CreateElement("eb:Action").SetText(um.CollaborationInfo.Action)
	ci.CreateElement("eb:ConversationId").SetText(um.CollaborationInfo.ConversationID)

	if len(um.MessageProperties) > 0 {
		mp := u.CreateElement("eb:MessageProperties")
		for _, p := range um.MessageProperties {
			writeProperty(mp, &p)
		}
	}

	if len(um.PayloadInfo) > 0 {
		pl := u.CreateElement("eb:PayloadInfo")
		for _, part := range um.PayloadInfo {
			pr := pl.CreateElement("eb:PartInfo")
			if part.Href != "" {
				pr.CreateAttr("href", part.Href)
			}
			if len(part.Properties) > 0 {
				pp := pr.CreateElement("eb:PartProperties")
				for _, p := range part.Properties {
					writeProperty(pp, &p)
				}
			}
		}
	}
}

func writePartyID(parent *etree.Element, pid *PartyID) {
	id := parent.CreateElement("eb:PartyId")
	id.SetText(pid.ID)
	if pid.Type != "" {
		id.CreateAttr("type", pid.Type)
	}
	parent.CreateElement("eb:Role").SetText(pid.Role)
}

func writeProperty(parent *etree.Element, p *Property) {
	el := parent.CreateElement("eb:Property")
	el.CreateAttr("name", p.Name)
	if p.Type != "" {
		el.CreateAttr("type", p.Type)
	}
	el.SetText(p.Value)
}

func writeSignalMessage(parent *etree.Element, sig *SignalMessage) {
	s := parent.CreateElement("eb:SignalMessage")
	writeMessageInfo(s, &sig.MessageInfo)

	switch {
	case sig.Receipt != nil:
		rc := s.CreateElement("eb:Receipt")
		if len(sig.Receipt.NonRepudiation) > 0 {
			nri := rc.CreateElement("ebbp:NonRepudiationInformation")
			nri.CreateAttr("xmlns:ebbp", NamespaceEbBP)
			for _, ref := range sig.Receipt.NonRepudiation {
				mpnr := nri.CreateElement("ebbp:MessagePartNRInformation")
				r := mpnr.CreateElement("ds:Reference")
				r.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
				r.CreateAttr("URI", ref.URI)
				dm := r.CreateElement("ds:DigestMethod")
				dm.CreateAttr("Algorithm", ref.DigestMethod)
				r.CreateElement("ds:DigestValue").SetText(ref.DigestValue)
			}
		}
	case len(sig.Errors) > 0:
		for _, e := range sig.Errors {
			el := s.CreateElement("eb:Error")
			el.CreateAttr("errorCode", e.Code)
			el.CreateAttr("severity", string(e.Severity))
			el.CreateAttr("shortDescription", e.ShortDesc)
			if e.Category != "" {
				el.CreateAttr("category", e.Category)
			}
			if e.Origin != "" {
				el.CreateAttr("origin", e.Origin)
			}
			if e.RefToMessageID != "" {
				el.CreateAttr("refToMessageInError", e.RefToMessageID)
			}
			if e.Detail != "" {
				el.CreateElement("eb:ErrorDetail").SetText(e.Detail)
			}
		}
	case sig.PullRequest != nil:
		pr := s.CreateElement("eb:PullRequest")
		if sig.PullRequest.MPC != "" {
			pr.CreateAttr("mpc", sig.PullRequest.MPC)
		}
	}
}

// ParseEnvelope parses a SOAP envelope and extracts the eb:Messaging
// header. Unknown namespace prefixes are tolerated by falling back to
// local-name matching.
func ParseEnvelope(data []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, fmt.Errorf("document root is not a SOAP Envelope")
	}
	version, err := DetectSOAPVersion(root.NamespaceURI())
	if err != nil {
		return nil, err
	}

	messaging := findLocal(doc.Root(), "Messaging")
	if messaging == nil {
		return nil, ErrNoMessaging
	}

	env := &Envelope{Version: version, Doc: doc}
	for _, child := range messaging.ChildElements() {
		switch child.Tag {
		case "UserMessage":
			um, err := parseUserMessage(child)
			if err != nil {
				return nil, err
			}
			env.Messaging.UserMessage = um
		case "SignalMessage":
			sig, err := parseSignalMessage(child)
			if err != nil {
				return nil, err
			}
			env.Messaging.SignalMessages = append(env.Messaging.SignalMessages, *sig)
		}
	}
	if env.Messaging.UserMessage == nil && len(env.Messaging.SignalMessages) == 0 {
		return nil, ErrNoMessaging
	}
	return env, nil
}

// findLocal finds the first descendant with the given local name,
// regardless of prefix.
func findLocal(el *etree.Element, local string) *etree.Element {
	return el.FindElement(fmt.Sprintf("//*[local-name()='%s']", local))
}

func childLocal(el *etree.Element, local string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

func childText(el *etree.Element, local string) string {
	if c := childLocal(el, local); c != nil {
		return c.Text()
	}
	return ""
}

func parseMessageInfo(parent *etree.Element) (MessageInfo, error) {
	var info MessageInfo
	mi := childLocal(parent, "MessageInfo")
	if mi == nil {
		return info, fmt.Errorf("missing MessageInfo")
	}
	info.MessageID = childText(mi, "MessageId")
	info.RefToMessageID = childText(mi, "RefToMessageId")
	if ts := childText(mi, "Timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return info, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		info.Timestamp = t
	}
	if info.MessageID == "" {
		return info, fmt.Errorf("missing MessageId")
	}
	return info, nil
}

func parseUserMessage(el *etree.Element) (*UserMessage, error) {
	info, err := parseMessageInfo(el)
	if err != nil {
		return nil, fmt.Errorf("UserMessage: %w", err)
	}
	um := &UserMessage{MessageInfo: info}
	if attr := el.SelectAttr("mpc"); attr != nil {
		um.MPC = attr.Value
	}

	if pi := childLocal(el, "PartyInfo"); pi != nil {
		if from := childLocal(pi, "From"); from != nil {
			um.PartyInfo.From = parsePartyID(from)
		}
		if to := childLocal(pi, "To"); to != nil {
			um.PartyInfo.To = parsePartyID(to)
		}
	}

	if ci := childLocal(el, "CollaborationInfo"); ci != nil {
		if agr := childLocal(ci, "AgreementRef"); agr != nil {
			um.CollaborationInfo.AgreementRef = agr.Text()
			if a := agr.SelectAttr("type"); a != nil {
				um.CollaborationInfo.AgreementType = a.Value
			}
			if a := agr.SelectAttr("pmode"); a != nil {
				um.CollaborationInfo.PModeID = a.Value
			}
		}
		if svc := childLocal(ci, "Service"); svc != nil {
			um.CollaborationInfo.Service = svc.Text()
			if a := svc.SelectAttr("type"); a != nil {
				um.CollaborationInfo.ServiceType = a.Value
			}
		}
		um.CollaborationInfo.Action = childText(ci, "Action")
		um.CollaborationInfo.ConversationID = childText(ci, "ConversationId")
	}

	if mp := childLocal(el, "MessageProperties"); mp != nil {
		for _, p := range mp.ChildElements() {
			if p.Tag == "Property" {
				um.MessageProperties = append(um.MessageProperties, parseProperty(p))
			}
		}
	}

	if pl := childLocal(el, "PayloadInfo"); pl != nil {
		for _, pr := range pl.ChildElements() {
			if pr.Tag != "PartInfo" {
				continue
			}
			part := PartInfo{}
			if a := pr.SelectAttr("href"); a != nil {
				part.Href = a.Value
			}
			if pp := childLocal(pr, "PartProperties"); pp != nil {
				for _, p := range pp.ChildElements() {
					if p.Tag == "Property" {
						part.Properties = append(part.Properties, parseProperty(p))
					}
				}
			}
			um.PayloadInfo = append(um.PayloadInfo, part)
		}
	}
	return um, nil
}

func parsePartyID(el *etree.Element) PartyID {
	var pid PartyID
	if id := childLocal(el, "PartyId"); id != nil {
		pid.ID = id.Text()
		if a := id.SelectAttr("type"); a != nil {
			pid.Type = a.Value
		}
	}
	pid.Role = childText(el, "Role")
	return pid
}

func parseProperty(el *etree.Element) Property {
	p := Property{Value: el.Text()}
	if a := el.SelectAttr("name"); a != nil {
		p.Name = a.Value
	}
	if a := el.SelectAttr("type"); a != nil {
		p.Type = a.Value
	}
	return p
}

func parseSignalMessage(el *etree.Element) (*SignalMessage, error) {
	info, err := parseMessageInfo(el)
	if err != nil {
		return nil, fmt.Errorf("SignalMessage: %w", err)
	}
	sig := &SignalMessage{MessageInfo: info}

	if rc := childLocal(el, "Receipt"); rc != nil {
		receipt := &Receipt{}
		for _, ref := range rc.FindElements(".//*[local-name()='Reference']") {
			rd := ReferenceDigest{}
			if a := ref.SelectAttr("URI"); a != nil {
				rd.URI = a.Value
			}
			if dm := childLocal(ref, "DigestMethod"); dm != nil {
				if a := dm.SelectAttr("Algorithm"); a != nil {
					rd.DigestMethod = a.Value
				}
			}
			rd.DigestValue = childText(ref, "DigestValue")
			receipt.NonRepudiation = append(receipt.NonRepudiation, rd)
		}
		sig.Receipt = receipt
	}

	for _, e := range el.ChildElements() {
		if e.Tag != "Error" {
			continue
		}
		ebms := EBMSError{Detail: childText(e, "ErrorDetail")}
		if a := e.SelectAttr("errorCode"); a != nil {
			ebms.Code = a.Value
		}
		if a := e.SelectAttr("severity"); a != nil {
			ebms.Severity = Severity(a.Value)
		}
		if a := e.SelectAttr("shortDescription"); a != nil {
			ebms.ShortDesc = a.Value
		}
		if a := e.SelectAttr("category"); a != nil {
			ebms.Category = a.Value
		}
		if a := e.SelectAttr("origin"); a != nil {
			ebms.Origin = a.Value
		}
		if a := e.SelectAttr("refToMessageInError"); a != nil {
			ebms.RefToMessageID = a.Value
		}
		sig.Errors = append(sig.Errors, ebms)
	}

	if pr := childLocal(el, "PullRequest"); pr != nil {
		pull := &PullRequest{}
		if a := pr.SelectAttr("mpc"); a != nil {
			pull.MPC = a.Value
		}
		sig.PullRequest = pull
	}

	return sig, nil
}
