package update

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// AuthError rejects an update before it reaches the zone. It maps to NOTAUTH.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "update not authorized: " + e.Reason + ": " + e.Err.Error()
	}

	return "update not authorized: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Policy lists who may update a zone.
type Policy struct {
	// Keys are the trusted KEY or DNSKEY records for SIG(0).
	Keys []dns.RR

	// TSIGNames are the TSIG key names allowed to update.
	TSIGNames []string

	networks cidranger.Ranger
}

// NewPolicy builds a policy. keys are KEY or DNSKEY records in presentation
// format; networks restrict the source address when not empty.
func NewPolicy(keys, tsigNames, networks []string) (*Policy, error) {
	p := &Policy{}

	for _, s := range keys {
		rr, err := dns.NewRR(s)
		if err != nil {
			return nil, fmt.Errorf("update key %q: %w", s, err)
		}

		switch rr.(type) {
		case *dns.KEY, *dns.DNSKEY:
		default:
			return nil, fmt.Errorf("update key %q: not a KEY or DNSKEY record", s)
		}

		p.Keys = append(p.Keys, rr)
	}

	for _, name := range tsigNames {
		p.TSIGNames = append(p.TSIGNames, strings.ToLower(dns.Fqdn(name)))
	}

	if len(networks) > 0 {
		p.networks = cidranger.NewPCTrieRanger()
		for _, cidr := range networks {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("update network %q: %w", cidr, err)
			}

			if err := p.networks.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

// Enabled reports whether any credential may update the zone.
func (p *Policy) Enabled() bool {
	return p != nil && (len(p.Keys) > 0 || len(p.TSIGNames) > 0)
}

func (p *Policy) allowIP(ip net.IP) bool {
	if p.networks == nil {
		return true
	}

	if ip == nil {
		return false
	}

	ok, _ := p.networks.Contains(ip)

	return ok
}

// key returns the trusted key matching the SIG(0) signer name, algorithm and key tag.
func (p *Policy) key(sig *dns.SIG) *dns.KEY {
	for _, rr := range p.Keys {
		var k *dns.KEY
		switch v := rr.(type) {
		case *dns.KEY:
			k = v
		case *dns.DNSKEY:
			k = &dns.KEY{DNSKEY: *v}
		}

		if k == nil || !strings.EqualFold(k.Hdr.Name, sig.SignerName) {
			continue
		}

		if k.Algorithm == sig.Algorithm && k.KeyTag() == sig.KeyTag {
			return k
		}
	}

	return nil
}

// Peer is what the transport knows about the sender of an update.
type Peer struct {
	IP net.IP

	// TsigStatus is the result of the transport's TSIG verification.
	TsigStatus error
}

// Token proves that a request passed authorization for a zone. Only the
// Authorizer creates valid tokens.
type Token struct {
	zone   string
	signer string
	method string
}

// Valid reports whether the token was issued for zone.
func (t Token) Valid(zone string) bool {
	return t.zone != "" && strings.EqualFold(t.zone, zone)
}

// Signer returns the name of the key that signed the request.
func (t Token) Signer() string { return t.signer }

// Method returns "sig0" or "tsig".
func (t Token) Method() string { return t.method }

// Authorizer verifies the signature on update requests.
type Authorizer struct {
	now func() time.Time
}

// NewAuthorizer returns an authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{now: time.Now}
}

// Authorize checks req against policy. A request carrying a TSIG record must
// have passed TSIG verification in the transport with an allowed key;
// otherwise the last additional record must be a SIG(0) made by one of the
// policy keys within its validity window. Any failure is an *AuthError.
func (a *Authorizer) Authorize(ctx context.Context, req *Request, peer Peer, policy *Policy) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	if !policy.Enabled() {
		return Token{}, &AuthError{Reason: "updates are not allowed for " + req.Zone}
	}

	if !policy.allowIP(peer.IP) {
		return Token{}, &AuthError{Reason: fmt.Sprintf("source %s not allowed", peer.IP)}
	}

	if tsig := req.Msg.IsTsig(); tsig != nil {
		return a.authorizeTSIG(req, tsig, peer, policy)
	}

	sig := req.sig0()
	if sig == nil {
		return Token{}, &AuthError{Reason: "request is not signed"}
	}

	k := policy.key(sig)
	if k == nil {
		return Token{}, &AuthError{Reason: fmt.Sprintf("no trusted key %s/%d", sig.SignerName, sig.KeyTag)}
	}

	if !sig.ValidityPeriod(a.now()) {
		return Token{}, &AuthError{Reason: "signature outside validity window", Err: dns.ErrTime}
	}

	buf, err := req.wire()
	if err != nil {
		return Token{}, &AuthError{Reason: "cannot pack request", Err: err}
	}

	if err := sig.Verify(k, buf); err != nil {
		return Token{}, &AuthError{Reason: "bad signature", Err: err}
	}

	zlog.Debug("Update authorized", "zone", req.Zone, "method", "sig0", "signer", sig.SignerName, "keytag", sig.KeyTag)

	return Token{zone: req.Zone, signer: strings.ToLower(sig.SignerName), method: "sig0"}, nil
}

func (a *Authorizer) authorizeTSIG(req *Request, tsig *dns.TSIG, peer Peer, policy *Policy) (Token, error) {
	if peer.TsigStatus != nil {
		return Token{}, &AuthError{Reason: "bad tsig", Err: peer.TsigStatus}
	}

	name := strings.ToLower(tsig.Hdr.Name)
	for _, allowed := range policy.TSIGNames {
		if allowed == name {
			zlog.Debug("Update authorized", "zone", req.Zone, "method", "tsig", "key", name)
			return Token{zone: req.Zone, signer: name, method: "tsig"}, nil
		}
	}

	return Token{}, &AuthError{Reason: "tsig key " + name + " not allowed"}
}
