// Package pmode implements the AS4 Processing Mode configuration model,
// the PMode store, and the resolution algorithm that maps an incoming or
// outgoing message to its effective processing mode.
package pmode

import (
	"errors"
	"fmt"
	"time"

	"github.com/phax/phase4-sub011/pkg/mep"
)

// DefaultMPC is the well-known default Message Partition Channel.
const DefaultMPC = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// Signature algorithm URIs
const (
	AlgoRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgoRSASHA384   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgoRSASHA512   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgoEd25519     = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
	AlgoECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// Digest algorithm URIs
const (
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Encryption algorithm URIs
const (
	EncAES128GCM = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	EncAES256GCM = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
	EncX25519    = "http://www.w3.org/2021/04/xmlenc#x25519"
	EncRSAOAEP   = "http://www.w3.org/2001/04/xmlenc#rsa-oaep-mgf1p"
)

var (
	// ErrInvalidPMode is returned when a processing mode fails validation
	ErrInvalidPMode = errors.New("invalid processing mode")
	// ErrNotFound is returned when no processing mode can be resolved
	ErrNotFound = errors.New("processing mode not found")
	// ErrDuplicateID is returned when creating a PMode whose id already exists
	ErrDuplicateID = errors.New("processing mode id already exists")
)

// ProcessingMode is an AS4 Processing Mode: the policy bundle governing one
// message exchange between two parties.
type ProcessingMode struct {
	ID         string
	MEP        string // MEP URI, see package mep
	MEPBinding string // MEP binding URI

	Initiator Party
	Responder Party
	Agreement *Agreement

	// Legs holds one leg for one-way MEPs, two for two-way.
	Legs []Leg
}

// Party identifies a messaging party by its composite identifier.
type Party struct {
	IDType  string
	IDValue string
	Role    string

	// Credentials carries username-token credentials for pull
	// authentication. Nil for certificate-only parties.
	Credentials *Credentials
}

// Credentials holds username-token credentials.
type Credentials struct {
	Username string
	Password string
}

// Agreement references the business agreement the exchange runs under.
type Agreement struct {
	Value string
	Type  string
}

// Leg configures one direction of the exchange.
type Leg struct {
	Protocol           Protocol
	BusinessInfo       BusinessInfo
	Security           *LegSecurity
	ReceptionAwareness *ReceptionAwareness
	ErrorHandling      *ErrorHandling
}

// Protocol holds the transport endpoint of a leg.
type Protocol struct {
	Address     string
	SOAPVersion string // "1.1" or "1.2"; empty defaults to "1.2"
}

// BusinessInfo holds the default collaboration parameters of a leg.
type BusinessInfo struct {
	Service     string
	ServiceType string
	Action      string
	MPC         string
	Properties  []Property
}

// Property is a name/value message property.
type Property struct {
	Name  string
	Value string
	Type  string
}

// LegSecurity is the WS-Security policy of a leg. Sign, Encrypt and
// UsernameToken are independently switchable.
type LegSecurity struct {
	Sign          SignPolicy
	Encrypt       EncryptPolicy
	UsernameToken *Credentials

	// WSSMustUnderstand controls the mustUnderstand attribute written on
	// the Security header. The token format follows the leg's SOAP version.
	WSSMustUnderstand bool
}

// SignPolicy configures XML signing of a leg.
type SignPolicy struct {
	Enabled        bool
	Algorithm      string
	Digest         string
	CertificateRef string
}

// EncryptPolicy configures encryption of a leg.
type EncryptPolicy struct {
	Enabled        bool
	Algorithm      string
	CertificateRef string
}

// ReceptionAwareness configures the reliability behavior of a leg.
type ReceptionAwareness struct {
	Enabled       bool
	MaxRetries    int
	RetryInterval time.Duration
	BackoffFactor float64

	// DuplicateElimination suppresses re-dispatch of already-seen message
	// ids; DuplicateWindow bounds how long seen ids are retained.
	DuplicateElimination bool
	DuplicateWindow      time.Duration
}

// ErrorHandling configures error reporting for a leg.
type ErrorHandling struct {
	ReportAsResponse bool
	NotifyProducer   bool
	ReceiverErrorsTo string
}

// None returns true when the leg requires neither signing, encryption nor
// a username token.
func (s *LegSecurity) None() bool {
	return s == nil || (!s.Sign.Enabled && !s.Encrypt.Enabled && s.UsernameToken == nil)
}

// Leg1 returns the first (request) leg.
func (pm *ProcessingMode) Leg1() *Leg {
	if len(pm.Legs) == 0 {
		return nil
	}
	return &pm.Legs[0]
}

// Leg2 returns the second leg of a two-way exchange, or nil.
func (pm *ProcessingMode) Leg2() *Leg {
	if len(pm.Legs) < 2 {
		return nil
	}
	return &pm.Legs[1]
}

// LegForMPC returns the leg whose business info is bound to the given MPC.
// A leg with an empty MPC matches the default MPC.
func (pm *ProcessingMode) LegForMPC(mpc string) *Leg {
	if mpc == "" {
		mpc = DefaultMPC
	}
	for i := range pm.Legs {
		legMPC := pm.Legs[i].BusinessInfo.MPC
		if legMPC == "" {
			legMPC = DefaultMPC
		}
		if legMPC == mpc {
			return &pm.Legs[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of the processing mode.
func (pm *ProcessingMode) Validate() error {
	if pm.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPMode)
	}
	want := mep.Legs(pm.MEP)
	if want == 0 {
		return fmt.Errorf("%w: unknown MEP %q", ErrInvalidPMode, pm.MEP)
	}
	if len(pm.Legs) != want {
		return fmt.Errorf("%w: MEP %s requires %d leg(s), got %d", ErrInvalidPMode, pm.MEP, want, len(pm.Legs))
	}
	for i := range pm.Legs {
		if err := pm.Legs[i].validate(); err != nil {
			return fmt.Errorf("%w: leg %d: %v", ErrInvalidPMode, i+1, err)
		}
	}
	return nil
}

func (l *Leg) validate() error {
	if v := l.Protocol.SOAPVersion; v != "" && v != "1.1" && v != "1.2" {
		return fmt.Errorf("unsupported SOAP version %q", v)
	}
	if s := l.Security; s != nil {
		if s.Sign.Enabled {
			if s.Sign.Algorithm == "" || s.Sign.Digest == "" {
				return errors.New("signing enabled without algorithm or digest")
			}
			if s.Sign.CertificateRef == "" {
				return errors.New("signing enabled without certificate reference")
			}
		}
		if s.Encrypt.Enabled {
			if s.Encrypt.Algorithm == "" {
				return errors.New("encryption enabled without algorithm")
			}
			if s.Encrypt.CertificateRef == "" {
				return errors.New("encryption enabled without certificate reference")
			}
		}
	}
	return nil
}

// DefaultReceptionAwareness returns the built-in reliability defaults used
// when a leg declares none: 3 retries at 10s intervals, duplicate
// elimination over a 10 minute window.
func DefaultReceptionAwareness() *ReceptionAwareness {
	return &ReceptionAwareness{
		Enabled:              true,
		MaxRetries:           3,
		RetryInterval:        10 * time.Second,
		BackoffFactor:        1.0,
		DuplicateElimination: true,
		DuplicateWindow:      10 * time.Minute,
	}
}

// DefaultProcessingMode builds the global default one-way push PMode for a
// party pair. It is the template used by resolver step 4.
func DefaultProcessingMode(initiator, responder Party, address string) *ProcessingMode {
	return &ProcessingMode{
		ID:         defaultPModeID(initiator, responder),
		MEP:        mep.OneWay,
		MEPBinding: mep.BindingPush,
		Initiator:  initiator,
		Responder:  responder,
		Legs: []Leg{{
			Protocol: Protocol{
				Address:     address,
				SOAPVersion: "1.2",
			},
			BusinessInfo: BusinessInfo{
				MPC: DefaultMPC,
			},
			ReceptionAwareness: DefaultReceptionAwareness(),
			ErrorHandling: &ErrorHandling{
				ReportAsResponse: true,
			},
		}},
	}
}

func defaultPModeID(initiator, responder Party) string {
	return "default-" + initiator.IDValue + "-" + responder.IDValue
}
