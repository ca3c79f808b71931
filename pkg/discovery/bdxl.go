// Package discovery locates the metadata service of a counterparty
// through BDXL U-NAPTR lookups.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

var (
	ErrNoRecords      = errors.New("no BDXL records found for party identifier")
	ErrInvalidPartyID = errors.New("invalid party identifier")
	ErrNoSMPService   = errors.New("no SMP service in BDXL records")
	ErrBadNAPTR       = errors.New("malformed NAPTR record")
)

// ServiceType names an SMP metadata service flavor carried in the NAPTR
// service field.
type ServiceType string

const (
	ServiceSMP1 ServiceType = "Meta:SMP"
	ServiceSMP2 ServiceType = "oasis-bdxr-smp-2"
)

// Exchanger performs one DNS exchange. The production implementation is
// *dns.Client; tests substitute canned responses.
type Exchanger interface {
	ExchangeContext(ctx context.Context, msg *dns.Msg, addr string) (*dns.Msg, error)
}

type clientExchanger struct {
	client *dns.Client
}

func (e clientExchanger) ExchangeContext(ctx context.Context, msg *dns.Msg, addr string) (*dns.Msg, error) {
	resp, _, err := e.client.ExchangeContext(ctx, msg, addr)
	return resp, err
}

// Locator resolves party identifiers to SMP base URLs under a BDXL zone.
type Locator struct {
	zone      string
	envLabel  string
	preferred ServiceType
	dnsServer string
	exchange  Exchanger
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithEnvironmentLabel inserts a non-production label between the hash
// and the zone, e.g. "acceptance".
func WithEnvironmentLabel(label string) LocatorOption {
	return func(l *Locator) { l.envLabel = label }
}

// WithPreferredService selects the SMP flavor to prefer when records
// offer several.
func WithPreferredService(s ServiceType) LocatorOption {
	return func(l *Locator) { l.preferred = s }
}

// WithDNSServer pins the resolver address, "ip:port". The default comes
// from /etc/resolv.conf.
func WithDNSServer(addr string) LocatorOption {
	return func(l *Locator) { l.dnsServer = addr }
}

// WithExchanger replaces the DNS transport.
func WithExchanger(e Exchanger) LocatorOption {
	return func(l *Locator) { l.exchange = e }
}

// NewLocator creates a locator for the given BDXL zone, e.g.
// "bdxl.example.org".
func NewLocator(zone string, opts ...LocatorOption) *Locator {
	l := &Locator{
		zone:      zone,
		preferred: ServiceSMP2,
		exchange:  clientExchanger{client: new(dns.Client)},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate resolves the SMP base URL for a canonical party identifier.
func (l *Locator) Locate(ctx context.Context, partyID string) (string, error) {
	if partyID == "" {
		return "", ErrInvalidPartyID
	}
	domain := l.queryDomain(HashPartyID(partyID))
	records, err := l.lookup(ctx, domain)
	if err != nil {
		return "", err
	}
	return selectRecord(records, l.preferred)
}

// LocateEbCore resolves an ebCore party identified by catalog, scheme and
// identifier, e.g. ("iso6523", "0088", "1234567890128").
func (l *Locator) LocateEbCore(ctx context.Context, catalog, scheme, identifier string) (string, error) {
	return l.Locate(ctx, EbCorePartyID(catalog, scheme, identifier))
}

// HashPartyID encodes a party identifier the way BDXL zones key their
// records: unpadded base32 of the SHA-256 hash.
func HashPartyID(partyID string) string {
	sum := sha256.Sum256([]byte(partyID))
	return strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "=")
}

// EbCorePartyID renders the canonical ebCore party identifier URN.
func EbCorePartyID(catalog, scheme, identifier string) string {
	return fmt.Sprintf("urn:oasis:names:tc:ebcore:partyid-type:%s:%s:%s", catalog, scheme, identifier)
}

func (l *Locator) queryDomain(hash string) string {
	if l.envLabel != "" {
		return hash + "." + l.envLabel + "." + l.zone
	}
	return hash + "." + l.zone
}

func (l *Locator) lookup(ctx context.Context, domain string) ([]*dns.NAPTR, error) {
	server := l.dnsServer
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolver config: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no DNS servers configured")
		}
		server = conf.Servers[0] + ":" + conf.Port
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeNAPTR)
	msg.RecursionDesired = true

	resp, err := l.exchange.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("NAPTR lookup for %s: %w", domain, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, domain)
	default:
		return nil, fmt.Errorf("NAPTR lookup for %s: rcode %d", domain, resp.Rcode)
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			records = append(records, naptr)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, domain)
	}
	return records, nil
}

// selectRecord picks the URL of the best U-NAPTR record: the preferred
// service if present, otherwise any SMP flavor, lowest order then
// preference winning within a service.
func selectRecord(records []*dns.NAPTR, preferred ServiceType) (string, error) {
	var best *dns.NAPTR
	bestPreferred := false
	bestRank := 0

	for _, rec := range records {
		if !strings.EqualFold(rec.Flags, "U") {
			continue
		}
		isPreferred := strings.EqualFold(rec.Service, string(preferred))
		isSMP := isPreferred ||
			strings.EqualFold(rec.Service, string(ServiceSMP1)) ||
			strings.EqualFold(rec.Service, string(ServiceSMP2))
		if !isSMP {
			continue
		}
		rank := int(rec.Order)*1000 + int(rec.Preference)
		better := best == nil ||
			(isPreferred && !bestPreferred) ||
			(isPreferred == bestPreferred && rank < bestRank)
		if better {
			best, bestPreferred, bestRank = rec, isPreferred, rank
		}
	}
	if best == nil {
		return "", ErrNoSMPService
	}
	return urlFromRegexp(best.Regexp)
}

// urlFromRegexp extracts the replacement URL of a U-NAPTR regexp field,
// "!<pattern>!<replacement>!".
func urlFromRegexp(field string) (string, error) {
	parts := strings.Split(field, "!")
	if len(parts) < 3 || parts[2] == "" {
		return "", fmt.Errorf("%w: regexp field %q", ErrBadNAPTR, field)
	}
	u, err := url.Parse(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadNAPTR, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadNAPTR, u.Scheme)
	}
	return parts[2], nil
}
