package security

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"

	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// Signer produces WS-Security signatures over the SOAP envelope and its
// attachments.
type Signer struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// NewSigner creates a signer over the local identity.
func NewSigner(key *rsa.PrivateKey, cert *x509.Certificate) (*Signer, error) {
	if key == nil || cert == nil {
		return nil, fmt.Errorf("%w: key and certificate are required", ErrSigning)
	}
	return &Signer{key: key, cert: cert}, nil
}

// Sign signs the envelope in place per the sign policy. References cover
// the wsu:Timestamp, the SOAP Body, the eb:Messaging header and each
// attachment via the SwA content transform. The mustUnderstand attribute
// on the Security header follows the SOAP version.
func (s *Signer) Sign(doc *etree.Document, version message.SOAPVersion, policy pmode.SignPolicy, atts []*mime.Attachment, mustUnderstand bool) (*etree.Document, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrSigning)
	}
	ensureSecurityNamespaces(root)

	header := findChildLocal(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("%w: SOAP Header not found", ErrSigning)
	}
	body := findChildLocal(root, "Body")
	if body == nil {
		return nil, fmt.Errorf("%w: SOAP Body not found", ErrSigning)
	}

	security := findChildLocal(header, "Security")
	if security == nil {
		security = header.CreateElement("wsse:Security")
		security.CreateAttr("soap:mustUnderstand", version.MustUnderstandToken(mustUnderstand))
	}

	// Binary security token carrying the signing certificate.
	bstID := "X509-" + generateID()
	bst := security.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("wsu:Id", bstID)
	bst.CreateAttr("EncodingType", bstEncodingBase64)
	bst.CreateAttr("ValueType", bstValueTypeX509)
	bst.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	tsID := "TS-" + generateID()
	ts := security.CreateElement("wsu:Timestamp")
	ts.CreateAttr("wsu:Id", tsID)
	now := time.Now().UTC()
	ts.CreateElement("wsu:Created").SetText(now.Format("2006-01-02T15:04:05.000Z"))
	ts.CreateElement("wsu:Expires").SetText(now.Add(5 * time.Minute).Format("2006-01-02T15:04:05.000Z"))

	bodyID := getOrCreateID(body, "id-")
	var messagingID string
	messaging := findChildLocal(header, "Messaging")
	if messaging != nil {
		messagingID = getOrCreateID(messaging, "id-")
	}

	sig := security.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NamespaceDS)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	c14n := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", AlgorithmExcC14N)
	incl := c14n.CreateElement("ec:InclusiveNamespaces")
	incl.CreateAttr("xmlns:ec", AlgorithmExcC14N)
	incl.CreateAttr("PrefixList", "soap")

	sigMethod := signedInfo.CreateElement("ds:SignatureMethod")
	sigMethod.CreateAttr("Algorithm", policy.Algorithm)

	addReference(signedInfo, tsID, policy.Digest, "")
	addReference(signedInfo, bodyID, policy.Digest, "")
	if messagingID != "" {
		addReference(signedInfo, messagingID, policy.Digest, "soap")
	}
	for _, att := range atts {
		if err := addAttachmentReference(signedInfo, policy, att); err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %v", ErrSigning, att.ContentID, err)
		}
	}

	sig.CreateElement("ds:SignatureValue").SetText("placeholder")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	str := keyInfo.CreateElement("wsse:SecurityTokenReference")
	ref := str.CreateElement("wsse:Reference")
	ref.CreateAttr("URI", "#"+bstID)
	ref.CreateAttr("ValueType", bstValueTypeX509)

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrSigning, err)
	}
	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	signer.SetReferenceIDAttribute("wsu:Id")
	signed, err := signer.Sign(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	out := etree.NewDocument()
	if err := out.ReadFromString(signed); err != nil {
		return nil, fmt.Errorf("%w: reparse signed document: %v", ErrSigning, err)
	}
	return out, nil
}

// Verify checks the envelope signature against the peer certificate and
// recomputes attachment digests against the received parts.
func Verify(envelopeXML []byte, peerCert *x509.Certificate, atts []*mime.Attachment) error {
	validator, err := signedxml.NewValidator(string(envelopeXML))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	validator.Certificates = append(validator.Certificates, *peerCert)
	validator.SetReferenceIDAttribute("wsu:Id")
	if _, err := validator.ValidateReferences(); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return verifyAttachmentDigests(envelopeXML, atts)
}

// verifyAttachmentDigests recomputes each cid: reference digest over the
// received attachment bytes.
func verifyAttachmentDigests(envelopeXML []byte, atts []*mime.Attachment) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelopeXML); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	for _, ref := range doc.FindElements("//*[local-name()='SignedInfo']/*[local-name()='Reference']") {
		uri := ref.SelectAttrValue("URI", "")
		if len(uri) < 4 || uri[:4] != "cid:" {
			continue
		}
		att := mime.FindAttachment(atts, uri)
		if att == nil {
			return fmt.Errorf("%w: signed part %s is missing", ErrVerification, uri)
		}
		data, err := att.Read()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrVerification, uri, err)
		}

		dm := ref.FindElement("./*[local-name()='DigestMethod']")
		dv := ref.FindElement("./*[local-name()='DigestValue']")
		if dm == nil || dv == nil {
			return fmt.Errorf("%w: reference %s lacks digest", ErrVerification, uri)
		}
		want := dv.Text()
		got, err := digestBase64(dm.SelectAttrValue("Algorithm", ""), data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}
		if got != want {
			return fmt.Errorf("%w: digest mismatch for %s", ErrVerification, uri)
		}
	}
	return nil
}

func digestBase64(algorithm string, data []byte) (string, error) {
	switch algorithm {
	case pmode.DigestSHA256:
		sum := sha256.Sum256(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	case pmode.DigestSHA384:
		sum := sha512.Sum384(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	case pmode.DigestSHA512:
		sum := sha512.Sum512(data)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
}

func addReference(signedInfo *etree.Element, id, digest, prefixList string) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)

	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmExcC14N)
	if prefixList != "" {
		incl := transform.CreateElement("ec:InclusiveNamespaces")
		incl.CreateAttr("xmlns:ec", AlgorithmExcC14N)
		incl.CreateAttr("PrefixList", prefixList)
	}

	dm := ref.CreateElement("ds:DigestMethod")
	dm.CreateAttr("Algorithm", digest)
	// signedxml fills this during Sign
	ref.CreateElement("ds:DigestValue").SetText("placeholder")
}

func addAttachmentReference(signedInfo *etree.Element, policy pmode.SignPolicy, att *mime.Attachment) error {
	data, err := att.Read()
	if err != nil {
		return err
	}
	digest, err := digestBase64(policy.Digest, data)
	if err != nil {
		return err
	}

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "cid:"+att.ContentID)

	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmSwATransform)

	dm := ref.CreateElement("ds:DigestMethod")
	dm.CreateAttr("Algorithm", policy.Digest)
	ref.CreateElement("ds:DigestValue").SetText(digest)
	return nil
}

func ensureSecurityNamespaces(root *etree.Element) {
	if root.SelectAttr("xmlns:wsu") == nil {
		root.CreateAttr("xmlns:wsu", NamespaceWSU)
	}
	if root.SelectAttr("xmlns:wsse") == nil {
		root.CreateAttr("xmlns:wsse", NamespaceWSSE)
	}
}

func findChildLocal(el *etree.Element, local string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

func getOrCreateID(el *etree.Element, prefix string) string {
	if id := el.SelectAttrValue("wsu:Id", ""); id != "" {
		return id
	}
	for _, attr := range el.Attr {
		if attr.Key == "Id" && attr.Space == "wsu" {
			return attr.Value
		}
	}
	id := prefix + generateID()
	el.CreateAttr("wsu:Id", id)
	return id
}
