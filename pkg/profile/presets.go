package profile

import (
	"fmt"
	"time"

	"github.com/phax/phase4-sub011/pkg/pmode"
)

// preset is the shared implementation behind the built-in profiles. Each
// preset pins a signature suite, an encryption suite and reliability
// defaults.
type preset struct {
	id            string
	signAlgo      string
	digest        string
	encAlgo       string
	maxRetries    int
	retryInterval time.Duration
	dupWindow     time.Duration
}

func (p *preset) ID() string { return p.id }

func (p *preset) Validate(pm *pmode.ProcessingMode) []error {
	var errs []error
	if err := pm.Validate(); err != nil {
		return []error{err}
	}
	for i := range pm.Legs {
		leg := &pm.Legs[i]
		sec := leg.Security
		if sec == nil || !sec.Sign.Enabled {
			errs = append(errs, fmt.Errorf("leg %d: profile %s requires signing", i+1, p.id))
			continue
		}
		if sec.Sign.Algorithm != p.signAlgo {
			errs = append(errs, fmt.Errorf("leg %d: profile %s requires signature algorithm %s, got %s",
				i+1, p.id, p.signAlgo, sec.Sign.Algorithm))
		}
		if sec.Sign.Digest != p.digest {
			errs = append(errs, fmt.Errorf("leg %d: profile %s requires digest %s, got %s",
				i+1, p.id, p.digest, sec.Sign.Digest))
		}
		if sec.Encrypt.Enabled && sec.Encrypt.Algorithm != p.encAlgo {
			errs = append(errs, fmt.Errorf("leg %d: profile %s requires encryption algorithm %s, got %s",
				i+1, p.id, p.encAlgo, sec.Encrypt.Algorithm))
		}
	}
	return errs
}

func (p *preset) Template(initiator, responder pmode.Party, address string) *pmode.ProcessingMode {
	pm := pmode.DefaultProcessingMode(initiator, responder, address)
	pm.ID = p.id + "-" + pm.ID
	leg := pm.Leg1()
	leg.Security = &pmode.LegSecurity{
		Sign: pmode.SignPolicy{
			Enabled:        true,
			Algorithm:      p.signAlgo,
			Digest:         p.digest,
			CertificateRef: "default",
		},
		Encrypt: pmode.EncryptPolicy{
			Enabled:        true,
			Algorithm:      p.encAlgo,
			CertificateRef: "default",
		},
		WSSMustUnderstand: true,
	}
	leg.ReceptionAwareness = &pmode.ReceptionAwareness{
		Enabled:              true,
		MaxRetries:           p.maxRetries,
		RetryInterval:        p.retryInterval,
		BackoffFactor:        1.0,
		DuplicateElimination: true,
		DuplicateWindow:      p.dupWindow,
	}
	return pm
}

// CEF returns the CEF eDelivery conformance profile.
func CEF() Profile {
	return &preset{
		id:            "cef",
		signAlgo:      pmode.AlgoRSASHA256,
		digest:        pmode.DigestSHA256,
		encAlgo:       pmode.EncAES128GCM,
		maxRetries:    3,
		retryInterval: 10 * time.Second,
		dupWindow:     10 * time.Minute,
	}
}

// Peppol returns the Peppol AS4 profile.
func Peppol() Profile {
	return &preset{
		id:            "peppol",
		signAlgo:      pmode.AlgoRSASHA256,
		digest:        pmode.DigestSHA256,
		encAlgo:       pmode.EncAES128GCM,
		maxRetries:    2,
		retryInterval: 10 * time.Second,
		dupWindow:     10 * time.Minute,
	}
}

// ENTSOG returns the ENTSOG AS4 profile used in the European gas sector.
func ENTSOG() Profile {
	return &preset{
		id:            "entsog",
		signAlgo:      pmode.AlgoRSASHA256,
		digest:        pmode.DigestSHA256,
		encAlgo:       pmode.EncAES128GCM,
		maxRetries:    5,
		retryInterval: 30 * time.Second,
		dupWindow:     2 * time.Hour,
	}
}

// BDEW returns the BDEW AS4 profile used in the German energy sector. It
// mandates the stronger SHA-512 suite.
func BDEW() Profile {
	return &preset{
		id:            "bdew",
		signAlgo:      pmode.AlgoRSASHA512,
		digest:        pmode.DigestSHA512,
		encAlgo:       pmode.EncAES256GCM,
		maxRetries:    3,
		retryInterval: 1 * time.Minute,
		dupWindow:     2 * time.Hour,
	}
}
