package security

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub011/pkg/message"
	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

func buildTestEnvelope(t *testing.T) *message.Envelope {
	t.Helper()
	um, err := message.NewBuilder(
		message.WithFrom("sender", "", "Sender"),
		message.WithTo("receiver", "", "Receiver"),
		message.WithService("urn:example:service", ""),
		message.WithAction("Submit"),
	).Build()
	require.NoError(t, err)

	env, err := message.BuildEnvelope(message.SOAP12, &message.Messaging{UserMessage: um})
	require.NoError(t, err)
	return env
}

func TestEncryptDecryptAttachments(t *testing.T) {
	recipientPub, recipientPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	payload := []byte("<invoice>confidential</invoice>")
	att := mime.NewAttachment("application/xml", payload)
	env := buildTestEnvelope(t)

	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptAttachments(env.Doc, pmode.EncryptPolicy{}, []*mime.Attachment{att}))

	// MIME type is rewritten and the body is no longer the plaintext.
	assert.Equal(t, "application/octet-stream", att.MimeType)
	assert.Equal(t, "application/xml", att.UncompressedMimeType)
	sealed, err := att.Read()
	require.NoError(t, err)
	assert.NotEqual(t, payload, sealed)

	// The EncryptedKey header references the attachment.
	ek := env.Doc.FindElement("//*[local-name()='EncryptedKey']")
	require.NotNil(t, ek)
	dr := ek.FindElement(".//*[local-name()='DataReference']")
	require.NotNil(t, dr)
	assert.Equal(t, "cid:"+att.ContentID, dr.SelectAttrValue("URI", ""))

	dec := NewDecryptor(recipientPriv)
	require.NoError(t, dec.Decrypt(env.Doc, []*mime.Attachment{att}))

	out, err := att.Read()
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.Equal(t, "application/xml", att.MimeType)
}

func TestEncryptDecryptBody(t *testing.T) {
	recipientPub, recipientPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	env := buildTestEnvelope(t)
	body := env.Doc.FindElement("//*[local-name()='Body']")
	require.NotNil(t, body)
	order := body.CreateElement("Order")
	order.CreateAttr("xmlns", "urn:example:order")
	order.CreateElement("Item").SetText("widget")

	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptBody(env.Doc, pmode.EncryptPolicy{Algorithm: pmode.EncAES128GCM}))

	// The plaintext is gone and the Body holds a single EncryptedData.
	raw, err := env.Doc.WriteToBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "widget")
	children := body.ChildElements()
	require.Len(t, children, 1)
	assert.Equal(t, "EncryptedData", children[0].Tag)

	// The EncryptedKey header references the Body ciphertext.
	ek := env.Doc.FindElement("//*[local-name()='EncryptedKey']")
	require.NotNil(t, ek)
	dr := ek.FindElement(".//*[local-name()='DataReference']")
	require.NotNil(t, dr)
	assert.Equal(t, "#"+children[0].SelectAttrValue("Id", ""), dr.SelectAttrValue("URI", ""))

	dec := NewDecryptor(recipientPriv)
	require.NoError(t, dec.Decrypt(env.Doc, nil))

	restored := body.FindElement("./*[local-name()='Order']/*[local-name()='Item']")
	require.NotNil(t, restored)
	assert.Equal(t, "widget", restored.Text())
	assert.Nil(t, body.FindElement("./*[local-name()='EncryptedData']"))
}

func TestEncryptBodyWithoutContentIsNoop(t *testing.T) {
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	env := buildTestEnvelope(t)
	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptBody(env.Doc, pmode.EncryptPolicy{Algorithm: pmode.EncAES128GCM}))

	assert.Nil(t, env.Doc.FindElement("//*[local-name()='EncryptedKey']"))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, wrongPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	att := mime.NewAttachment("application/xml", []byte("<secret/>"))
	env := buildTestEnvelope(t)

	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptAttachments(env.Doc, pmode.EncryptPolicy{}, []*mime.Attachment{att}))

	dec := NewDecryptor(wrongPriv)
	assert.Error(t, dec.Decrypt(env.Doc, []*mime.Attachment{att}))
}

func TestDecryptWithoutEncryptedKeyIsNoop(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	att := mime.NewAttachment("application/xml", []byte("<plain/>"))
	env := buildTestEnvelope(t)

	dec := NewDecryptor(priv)
	require.NoError(t, dec.Decrypt(env.Doc, []*mime.Attachment{att}))

	out, err := att.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("<plain/>"), out)
}

func TestOrchestratorSecureWithoutPolicyPassesThrough(t *testing.T) {
	env := buildTestEnvelope(t)
	o := NewOrchestrator(&KeyRing{})

	out, err := o.Secure(env, &pmode.LegSecurity{}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "eb:Messaging")
}

func TestOrchestratorOpenMapsDecryptionFailure(t *testing.T) {
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, wrongPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	att := mime.NewAttachment("application/xml", []byte("<secret/>"))
	env := buildTestEnvelope(t)
	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptAttachments(env.Doc, pmode.EncryptPolicy{}, []*mime.Attachment{att}))
	raw, err := env.Doc.WriteToBytes()
	require.NoError(t, err)

	o := NewOrchestrator(&KeyRing{DecryptionKey: wrongPriv})
	sec := &pmode.LegSecurity{
		Encrypt: pmode.EncryptPolicy{Enabled: true, Algorithm: pmode.EncAES128GCM, CertificateRef: "peer"},
	}
	_, err = o.Open(raw, env, sec, []*mime.Attachment{att})
	require.Error(t, err)
	assert.Equal(t, message.CodeFailedDecryption, message.AsEBMSError(err, "").Code)
}

func TestOrchestratorOpenMapsUnknownSignerCert(t *testing.T) {
	env := buildTestEnvelope(t)
	raw, err := env.Doc.WriteToBytes()
	require.NoError(t, err)

	o := NewOrchestrator(&KeyRing{})
	sec := &pmode.LegSecurity{
		Sign: pmode.SignPolicy{
			Enabled:        true,
			Algorithm:      pmode.AlgoRSASHA256,
			Digest:         pmode.DigestSHA256,
			CertificateRef: "missing",
		},
	}
	_, err = o.Open(raw, env, sec, nil)
	require.Error(t, err)
	assert.Equal(t, message.CodeFailedAuthentication, message.AsEBMSError(err, "").Code)
}

func TestEncryptedKeyPlacementAfterSignature(t *testing.T) {
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	env := buildTestEnvelope(t)
	root := env.Doc.Root()
	header := root.FindElement("./*[local-name()='Header']")
	require.NotNil(t, header)
	security := header.CreateElement("wsse:Security")
	security.CreateElement("wsse:BinarySecurityToken")
	security.CreateElement("ds:Signature")

	att := mime.NewAttachment("application/xml", []byte("<x/>"))
	enc := NewEncryptor(recipientPub)
	require.NoError(t, enc.EncryptAttachments(env.Doc, pmode.EncryptPolicy{}, []*mime.Attachment{att}))

	children := security.ChildElements()
	require.Len(t, children, 3)
	assert.Equal(t, "Signature", children[1].Tag)
	assert.Equal(t, "EncryptedKey", children[2].Tag)
}

func TestAttachmentDigestVerification(t *testing.T) {
	att := mime.NewAttachment("application/xml", []byte("<doc/>"))

	doc := etree.NewDocument()
	env := doc.CreateElement("Envelope")
	si := env.CreateElement("SignedInfo")
	ref := si.CreateElement("Reference")
	ref.CreateAttr("URI", "cid:"+att.ContentID)
	dm := ref.CreateElement("DigestMethod")
	dm.CreateAttr("Algorithm", pmode.DigestSHA256)
	dv := ref.CreateElement("DigestValue")

	digest, err := digestBase64(pmode.DigestSHA256, []byte("<doc/>"))
	require.NoError(t, err)
	dv.SetText(digest)
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)

	require.NoError(t, verifyAttachmentDigests(raw, []*mime.Attachment{att}))

	// Tampered attachment content fails the digest check.
	att.Source = mime.BytesSource("<tampered/>")
	assert.Error(t, verifyAttachmentDigests(raw, []*mime.Attachment{att}))
}

func testSigningIdentity(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "as4-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, cert := testSigningIdentity(t)
	att := mime.NewAttachment("application/xml", []byte("<invoice>42</invoice>"))
	env := buildTestEnvelope(t)

	signer, err := NewSigner(key, cert)
	require.NoError(t, err)
	policy := pmode.SignPolicy{Enabled: true, Algorithm: pmode.AlgoRSASHA256, Digest: pmode.DigestSHA256}
	signed, err := signer.Sign(env.Doc, env.Version, policy, []*mime.Attachment{att}, true)
	require.NoError(t, err)
	raw, err := signed.WriteToBytes()
	require.NoError(t, err)

	// SignedInfo references the attachment by cid so the payload bytes
	// are covered alongside the envelope parts.
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	ref := doc.FindElement("//*[local-name()='Reference'][@URI='cid:" + att.ContentID + "']")
	require.NotNil(t, ref)

	require.NoError(t, Verify(raw, cert, []*mime.Attachment{att}))
}

func TestVerifyRejectsTamperedAttachment(t *testing.T) {
	key, cert := testSigningIdentity(t)
	att := mime.NewAttachment("application/xml", []byte("<invoice>42</invoice>"))
	env := buildTestEnvelope(t)

	signer, err := NewSigner(key, cert)
	require.NoError(t, err)
	policy := pmode.SignPolicy{Enabled: true, Algorithm: pmode.AlgoRSASHA256, Digest: pmode.DigestSHA256}
	signed, err := signer.Sign(env.Doc, env.Version, policy, []*mime.Attachment{att}, true)
	require.NoError(t, err)
	raw, err := signed.WriteToBytes()
	require.NoError(t, err)

	att.Source = mime.BytesSource("<invoice>43</invoice>")
	err = Verify(raw, cert, []*mime.Attachment{att})
	require.ErrorIs(t, err, ErrVerification)
}

func TestOpenMapsTamperedEnvelopeToFailedAuthentication(t *testing.T) {
	key, cert := testSigningIdentity(t)
	env := buildTestEnvelope(t)

	keys := &KeyRing{
		SigningKey:  key,
		SigningCert: cert,
		PeerCerts:   map[string]*x509.Certificate{"peer": cert},
	}
	o := NewOrchestrator(keys)
	sec := &pmode.LegSecurity{
		Sign: pmode.SignPolicy{
			Enabled:        true,
			Algorithm:      pmode.AlgoRSASHA256,
			Digest:         pmode.DigestSHA256,
			CertificateRef: "peer",
		},
		WSSMustUnderstand: true,
	}
	raw, err := o.Secure(env, sec, nil)
	require.NoError(t, err)

	// Untampered bytes pass.
	parsed, err := message.ParseEnvelope(raw)
	require.NoError(t, err)
	_, err = o.Open(raw, parsed, sec, nil)
	require.NoError(t, err)

	// A flipped party role inside eb:Messaging breaks the digest.
	tampered := bytes.Replace(raw, []byte("Sender"), []byte("Forged"), 1)
	parsed, err = message.ParseEnvelope(tampered)
	require.NoError(t, err)
	_, err = o.Open(tampered, parsed, sec, nil)
	require.Error(t, err)
	assert.Equal(t, message.CodeFailedAuthentication, message.AsEBMSError(err, "").Code)
}

func TestSecureEncryptOnlyStampsMustUnderstand(t *testing.T) {
	recipientPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	env := buildTestEnvelope(t)
	keys := &KeyRing{EncryptionKeys: map[string][32]byte{"peer": recipientPub}}
	o := NewOrchestrator(keys)
	sec := &pmode.LegSecurity{
		Encrypt: pmode.EncryptPolicy{
			Enabled:        true,
			Algorithm:      pmode.EncAES128GCM,
			CertificateRef: "peer",
		},
		WSSMustUnderstand: true,
	}

	att := mime.NewAttachment("application/xml", []byte("<secret/>"))
	raw, err := o.Secure(env, sec, []*mime.Attachment{att})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	security := doc.FindElement("//*[local-name()='Security']")
	require.NotNil(t, security)
	assert.Equal(t, "true", security.SelectAttrValue("soap:mustUnderstand", ""))
}
