// Package authority answers queries and applies updates for one zone.
package authority

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

// DefaultMaxChain is the number of CNAME hops followed for one query.
const DefaultMaxChain = 8

var (
	// ErrNotLoaded is returned by a secondary zone before its first transfer.
	ErrNotLoaded = errors.New("zone not loaded")

	// ErrRateLimited is returned when upstream queries exceed the configured rate.
	ErrRateLimited = errors.New("upstream rate limit exceeded")

	// ErrNoUpstream is returned when no upstream answered.
	ErrNoUpstream = errors.New("no upstream answered")
)

// Authority serves one zone.
type Authority interface {
	Origin() string
	Type() string

	// Answer resolves q against the zone. It never blocks on updates.
	Answer(ctx context.Context, q Query) (*Response, error)

	// Update applies an authorized request. The token must have been issued
	// for this zone.
	Update(ctx context.Context, req *update.Request, tok update.Token) (*zone.Change, error)

	DNSSECEnabled() bool
	SigningKeys() []*dnssec.Key

	// Signer returns the zone signer or nil when DNSSEC is disabled.
	Signer() *dnssec.Signer

	// Policy returns who may update the zone, nil when nobody may.
	Policy() *update.Policy

	// Snapshot returns the current zone data, nil for forward zones.
	Snapshot() *zone.Snapshot
}

// Refresher is implemented by authorities that pull their data from elsewhere.
type Refresher interface {
	Refresh(ctx context.Context) error

	// Primary reports whether ip is one of the sources the data is pulled from.
	Primary(ctx context.Context, ip net.IP) bool
}

// Query is one question asked of an authority.
type Query struct {
	Name  string
	Type  uint16
	Class uint16
	DO    bool

	// Hops is the number of CNAME hops already followed for this question
	// and MaxChain the limit; zero means DefaultMaxChain.
	Hops     int
	MaxChain int
}

func (q Query) maxChain() int {
	if q.MaxChain <= 0 {
		return DefaultMaxChain
	}

	return q.MaxChain
}

// Kind classifies a response.
type Kind int

// Response kinds.
const (
	KindAnswer Kind = iota
	KindNoData
	KindNXDomain
	KindReferral
	KindForwarded
)

var kindNames = map[Kind]string{
	KindAnswer:    "answer",
	KindNoData:    "nodata",
	KindNXDomain:  "nxdomain",
	KindReferral:  "referral",
	KindForwarded: "forwarded",
}

func (k Kind) String() string { return kindNames[k] }

// Proof asks the signer for a proof of nonexistence.
type Proof struct {
	Name     string
	Denial   dnssec.Denial
	Wildcard string
}

// Response is the outcome of Answer, before signing and assembly.
type Response struct {
	Kind          Kind
	Rcode         int
	Authoritative bool

	Answer []dns.RR
	Ns     []dns.RR
	Extra  []dns.RR

	// Snapshot is the zone version the response was built from.
	Snapshot *zone.Snapshot

	// Chase is a CNAME target outside the zone still to be resolved.
	Chase string

	// Hops is the number of CNAME hops followed so far, including earlier zones.
	Hops int

	// Synth maps owners of wildcard expanded records to their wildcard owner.
	Synth map[string]string

	// Proofs are the denials the signer must add for DNSSEC requests.
	Proofs []Proof
}
