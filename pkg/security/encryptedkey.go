package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

const (
	algoKWAES128   = "http://www.w3.org/2001/04/xmlenc#kw-aes128"
	algoHKDFSHA256 = "http://www.w3.org/2021/04/xmldsig-more#hkdf"
	curveX25519URI = "urn:oid:1.3.101.110"
)

// Encryptor encrypts attachment payloads with a fresh content-encryption
// key and announces the wrapped key in an xenc:EncryptedKey header
// element.
type Encryptor struct {
	recipientKey [32]byte
}

// NewEncryptor creates an encryptor towards the holder of recipientKey.
func NewEncryptor(recipientKey [32]byte) *Encryptor {
	return &Encryptor{recipientKey: recipientKey}
}

// EncryptAttachments encrypts every attachment in place under one CEK and
// inserts the EncryptedKey element into the Security header, after the
// Signature when one is present. Attachment media types are rewritten to
// application/octet-stream with the original preserved.
func (e *Encryptor) EncryptAttachments(doc *etree.Document, policy pmode.EncryptPolicy, atts []*mime.Attachment) error {
	if len(atts) == 0 {
		return nil
	}

	cek, wrapped, ephemeralPub, err := e.newWrappedCEK()
	if err != nil {
		return err
	}

	var refs []string
	for _, att := range atts {
		data, err := att.Read()
		if err != nil {
			return fmt.Errorf("%w: read attachment %s: %v", ErrEncryption, att.ContentID, err)
		}
		sealed, err := sealWithKey(cek, data)
		if err != nil {
			return fmt.Errorf("%w: attachment %s: %v", ErrEncryption, att.ContentID, err)
		}
		att.Source = mime.BytesSource(sealed)
		if att.UncompressedMimeType == "" {
			att.UncompressedMimeType = att.MimeType
		}
		att.MimeType = "application/octet-stream"
		refs = append(refs, "cid:"+att.ContentID)
	}

	security, err := findSecurityHeader(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	insertEncryptedKey(security, policy, wrapped, ephemeralPub, refs)
	return nil
}

// EncryptBody encrypts the SOAP Body content in place, replacing it with
// an xenc:EncryptedData element referenced from the EncryptedKey header.
// This is the path for messages that carry no MIME attachments.
func (e *Encryptor) EncryptBody(doc *etree.Document, policy pmode.EncryptPolicy) error {
	body := doc.FindElement("//*[local-name()='Body']")
	if body == nil {
		return fmt.Errorf("%w: SOAP Body not found", ErrEncryption)
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return nil
	}

	inner := etree.NewDocument()
	for _, child := range children {
		inner.AddChild(child.Copy())
	}
	plain, err := inner.WriteToBytes()
	if err != nil {
		return fmt.Errorf("%w: serialize body: %v", ErrEncryption, err)
	}

	cek, wrapped, ephemeralPub, err := e.newWrappedCEK()
	if err != nil {
		return err
	}
	sealed, err := sealWithKey(cek, plain)
	if err != nil {
		return fmt.Errorf("%w: body: %v", ErrEncryption, err)
	}

	for _, child := range children {
		body.RemoveChild(child)
	}
	id := "ED-" + generateID()
	ed := body.CreateElement("xenc:EncryptedData")
	ed.CreateAttr("xmlns:xenc", NamespaceXenc)
	ed.CreateAttr("Id", id)
	ed.CreateAttr("Type", NamespaceXenc+"Content")
	em := ed.CreateElement("xenc:EncryptionMethod")
	em.CreateAttr("Algorithm", policy.Algorithm)
	cd := ed.CreateElement("xenc:CipherData")
	cd.CreateElement("xenc:CipherValue").SetText(base64.StdEncoding.EncodeToString(sealed))

	security, err := findSecurityHeader(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	insertEncryptedKey(security, policy, wrapped, ephemeralPub, []string{"#" + id})
	return nil
}

// newWrappedCEK generates a fresh content-encryption key and wraps it
// for the recipient under an ephemeral X25519 agreement.
func (e *Encryptor) newWrappedCEK() (cek, wrapped []byte, ephemeralPub [32]byte, err error) {
	cek = make([]byte, cekSize)
	if _, err = rand.Read(cek); err != nil {
		return nil, nil, ephemeralPub, fmt.Errorf("%w: generate CEK: %v", ErrEncryption, err)
	}
	ephemeralPub, ephemeralPriv, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, ephemeralPub, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	kek, err := deriveKEK(ephemeralPriv, e.recipientKey)
	if err != nil {
		return nil, nil, ephemeralPub, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	wrapped, err = WrapKey(kek, cek)
	if err != nil {
		return nil, nil, ephemeralPub, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return cek, wrapped, ephemeralPub, nil
}

// insertEncryptedKey places the EncryptedKey element directly after the
// Signature so verification order on the receiver side matches.
func insertEncryptedKey(security *etree.Element, policy pmode.EncryptPolicy, wrappedCEK []byte, ephemeralPub [32]byte, refs []string) {
	ek := etree.NewElement("xenc:EncryptedKey")
	ek.CreateAttr("xmlns:xenc", NamespaceXenc)
	ek.CreateAttr("Id", "EK-"+generateID())

	em := ek.CreateElement("xenc:EncryptionMethod")
	em.CreateAttr("Algorithm", algoKWAES128)

	keyInfo := ek.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("xmlns:ds", NamespaceDS)
	am := keyInfo.CreateElement("xenc:AgreementMethod")
	am.CreateAttr("Algorithm", pmode.EncX25519)

	kdf := am.CreateElement("xenc11:KeyDerivationMethod")
	kdf.CreateAttr("xmlns:xenc11", "http://www.w3.org/2009/xmlenc11#")
	kdf.CreateAttr("Algorithm", algoHKDFSHA256)

	orig := am.CreateElement("xenc:OriginatorKeyInfo")
	kv := orig.CreateElement("ds:KeyValue")
	ec := kv.CreateElement("dsig11:ECKeyValue")
	ec.CreateAttr("xmlns:dsig11", "http://www.w3.org/2009/xmldsig11#")
	nc := ec.CreateElement("dsig11:NamedCurve")
	nc.CreateAttr("URI", curveX25519URI)
	ec.CreateElement("dsig11:PublicKey").SetText(base64.StdEncoding.EncodeToString(ephemeralPub[:]))

	cd := ek.CreateElement("xenc:CipherData")
	cd.CreateElement("xenc:CipherValue").SetText(base64.StdEncoding.EncodeToString(wrappedCEK))

	rl := ek.CreateElement("xenc:ReferenceList")
	for _, ref := range refs {
		dr := rl.CreateElement("xenc:DataReference")
		dr.CreateAttr("URI", ref)
	}

	pos := len(security.ChildElements())
	for i, child := range security.ChildElements() {
		if child.Tag == "Signature" {
			pos = i + 1
			break
		}
	}
	security.InsertChildAt(pos, ek)
}

// Decryptor recovers attachment payloads using the local X25519 private
// key.
type Decryptor struct {
	privateKey [32]byte
}

// NewDecryptor creates a decryptor over the local private key.
func NewDecryptor(privateKey [32]byte) *Decryptor {
	return &Decryptor{privateKey: privateKey}
}

// Decrypt reads the EncryptedKey header, unwraps the CEK and decrypts
// every referenced part in place: cid: references resolve to MIME
// attachments, fragment references to an EncryptedData element inside
// the SOAP Body. A document without an EncryptedKey element is returned
// unchanged.
func (d *Decryptor) Decrypt(doc *etree.Document, atts []*mime.Attachment) error {
	ek := doc.FindElement("//*[local-name()='EncryptedKey']")
	if ek == nil {
		return nil
	}

	pub := ek.FindElement(".//*[local-name()='PublicKey']")
	if pub == nil {
		return fmt.Errorf("%w: EncryptedKey lacks originator public key", ErrDecryption)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(pub.Text())
	if err != nil || len(pubBytes) != 32 {
		return fmt.Errorf("%w: malformed originator public key", ErrDecryption)
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], pubBytes)

	cv := ek.FindElement("./*[local-name()='CipherData']/*[local-name()='CipherValue']")
	if cv == nil {
		return fmt.Errorf("%w: EncryptedKey lacks cipher value", ErrDecryption)
	}
	wrapped, err := base64.StdEncoding.DecodeString(cv.Text())
	if err != nil {
		return fmt.Errorf("%w: malformed wrapped key", ErrDecryption)
	}

	kek, err := deriveKEK(d.privateKey, ephemeralPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	cek, err := UnwrapKey(kek, wrapped)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	for _, dr := range ek.FindElements("./*[local-name()='ReferenceList']/*[local-name()='DataReference']") {
		uri := dr.SelectAttrValue("URI", "")
		if strings.HasPrefix(uri, "#") {
			if err := d.decryptBodyContent(doc, cek, uri[1:]); err != nil {
				return err
			}
			continue
		}
		att := mime.FindAttachment(atts, uri)
		if att == nil {
			return fmt.Errorf("%w: referenced part %s is missing", ErrDecryption, uri)
		}
		sealed, err := att.Read()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrDecryption, uri, err)
		}
		plain, err := openWithKey(cek, sealed)
		if err != nil {
			return fmt.Errorf("%w: part %s: %v", ErrDecryption, uri, err)
		}
		att.Source = mime.BytesSource(plain)
		if att.UncompressedMimeType != "" {
			att.MimeType = att.UncompressedMimeType
		}
	}
	return nil
}

// decryptBodyContent restores the plaintext Body content from the
// EncryptedData element carrying the given Id.
func (d *Decryptor) decryptBodyContent(doc *etree.Document, cek []byte, id string) error {
	ed := doc.FindElement(fmt.Sprintf("//*[local-name()='EncryptedData'][@Id='%s']", id))
	if ed == nil {
		return fmt.Errorf("%w: EncryptedData %s is missing", ErrDecryption, id)
	}
	cv := ed.FindElement("./*[local-name()='CipherData']/*[local-name()='CipherValue']")
	if cv == nil {
		return fmt.Errorf("%w: EncryptedData %s lacks cipher value", ErrDecryption, id)
	}
	sealed, err := base64.StdEncoding.DecodeString(cv.Text())
	if err != nil {
		return fmt.Errorf("%w: malformed ciphertext in %s", ErrDecryption, id)
	}
	plain, err := openWithKey(cek, sealed)
	if err != nil {
		return fmt.Errorf("%w: body: %v", ErrDecryption, err)
	}

	inner := etree.NewDocument()
	if err := inner.ReadFromBytes(plain); err != nil {
		return fmt.Errorf("%w: decrypted body is not XML: %v", ErrDecryption, err)
	}

	body := ed.Parent()
	if body == nil {
		return fmt.Errorf("%w: EncryptedData %s is detached", ErrDecryption, id)
	}
	body.RemoveChild(ed)
	for _, child := range inner.ChildElements() {
		body.AddChild(child.Copy())
	}
	return nil
}

func findSecurityHeader(doc *etree.Document) (*etree.Element, error) {
	sec := doc.FindElement("//*[local-name()='Security']")
	if sec != nil {
		return sec, nil
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	header := findChildLocal(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("SOAP Header not found")
	}
	ensureSecurityNamespaces(root)
	return header.CreateElement("wsse:Security"), nil
}
