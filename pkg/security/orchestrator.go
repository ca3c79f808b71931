package security

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// Processor applies and removes WS-Security according to a leg's policy.
// The message handler depends on this interface so tests can swap in a
// fake.
type Processor interface {
	// Secure signs then encrypts the envelope and attachments per the
	// policy, returning the final envelope bytes.
	Secure(env *message.Envelope, sec *pmode.LegSecurity, atts []*mime.Attachment) ([]byte, error)
	// Open verifies and decrypts an incoming envelope. Failures carry
	// ebMS error codes: EBMS:0101 for authentication, EBMS:0102 for
	// decryption.
	Open(envelopeXML []byte, env *message.Envelope, sec *pmode.LegSecurity, atts []*mime.Attachment) ([]byte, error)
}

// Orchestrator is the production Processor over a key ring. The order is
// fixed: sign first, encrypt second, so the signature covers the
// plaintext parts.
type Orchestrator struct {
	Keys *KeyRing
}

// NewOrchestrator creates an orchestrator over the given key material.
func NewOrchestrator(keys *KeyRing) *Orchestrator {
	return &Orchestrator{Keys: keys}
}

func (o *Orchestrator) Secure(env *message.Envelope, sec *pmode.LegSecurity, atts []*mime.Attachment) ([]byte, error) {
	doc := env.Doc
	if sec.None() {
		return doc.WriteToBytes()
	}

	if sec.Sign.Enabled {
		signer, err := NewSigner(o.Keys.SigningKey, o.Keys.SigningCert)
		if err != nil {
			return nil, err
		}
		doc, err = signer.Sign(doc, env.Version, sec.Sign, atts, sec.WSSMustUnderstand)
		if err != nil {
			return nil, err
		}
	}

	if sec.Encrypt.Enabled {
		recipientKey, err := o.Keys.EncryptionKey(sec.Encrypt.CertificateRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		if !sec.Sign.Enabled {
			// The signer normally creates the Security header. On an
			// encrypt-only leg it has to be stamped here so the
			// mustUnderstand attribute is still present.
			if err := ensureSecurityHeader(doc, env.Version, sec.WSSMustUnderstand); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
			}
		}
		enc := NewEncryptor(recipientKey)
		if len(atts) > 0 {
			err = enc.EncryptAttachments(doc, sec.Encrypt, atts)
		} else {
			err = enc.EncryptBody(doc, sec.Encrypt)
		}
		if err != nil {
			return nil, err
		}
	}

	env.Doc = doc
	return doc.WriteToBytes()
}

func (o *Orchestrator) Open(envelopeXML []byte, env *message.Envelope, sec *pmode.LegSecurity, atts []*mime.Attachment) ([]byte, error) {
	if sec.None() {
		return envelopeXML, nil
	}

	refTo := refToMessageID(env)

	if sec.Encrypt.Enabled {
		bodyEncrypted := env.Doc.FindElement("//*[local-name()='Body']/*[local-name()='EncryptedData']") != nil
		dec := NewDecryptor(o.Keys.DecryptionKey)
		if err := dec.Decrypt(env.Doc, atts); err != nil {
			return nil, message.NewEBMSError(message.CodeFailedDecryption, refTo, err.Error())
		}
		if bodyEncrypted {
			// The signature was computed over the plaintext Body, so
			// verification has to run against the restored document
			// rather than the bytes received on the wire.
			restored, err := env.Doc.WriteToBytes()
			if err != nil {
				return nil, message.NewEBMSError(message.CodeFailedDecryption, refTo, err.Error())
			}
			envelopeXML = restored
		}
	}

	if sec.Sign.Enabled {
		peerCert, err := o.Keys.PeerCert(sec.Sign.CertificateRef)
		if err != nil {
			return nil, message.NewEBMSError(message.CodeFailedAuthentication, refTo, err.Error())
		}
		if err := Verify(envelopeXML, peerCert, atts); err != nil {
			return nil, message.NewEBMSError(message.CodeFailedAuthentication, refTo, err.Error())
		}
	}

	return envelopeXML, nil
}

// ensureSecurityHeader creates the wsse:Security header with the
// version-correct mustUnderstand token when no signer ran first.
func ensureSecurityHeader(doc *etree.Document, version message.SOAPVersion, mustUnderstand bool) error {
	if doc.FindElement("//*[local-name()='Security']") != nil {
		return nil
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("empty document")
	}
	header := findChildLocal(root, "Header")
	if header == nil {
		return fmt.Errorf("SOAP Header not found")
	}
	ensureSecurityNamespaces(root)
	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("soap:mustUnderstand", version.MustUnderstandToken(mustUnderstand))
	return nil
}

func refToMessageID(env *message.Envelope) string {
	if env.Messaging.UserMessage != nil {
		return env.Messaging.UserMessage.MessageInfo.MessageID
	}
	if sig := env.Messaging.FirstSignal(); sig != nil {
		return sig.MessageInfo.MessageID
	}
	return ""
}
