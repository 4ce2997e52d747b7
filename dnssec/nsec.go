package dnssec

import (
	"slices"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/zone"
)

// Denial is the kind of answer a proof of nonexistence is built for.
type Denial int

const (
	// NameError proves that the name and any wildcard that could match it do not exist.
	NameError Denial = iota + 1
	// NoData proves that the name exists without the queried type.
	NoData
	// WildcardAnswer proves that no exact match exists for a wildcard expansion.
	WildcardAnswer
	// WildcardNoData proves that neither the name nor the matching wildcard own the type.
	WildcardNoData
)

// ProveNonexistence returns the NSEC or NSEC3 records proving kind for name in
// snap. wildcard is the wildcard owner that matched name, for the wildcard kinds.
// The records are not signed.
func (s *Signer) ProveNonexistence(snap *zone.Snapshot, name string, kind Denial, wildcard string) []dns.RR {
	name = strings.ToLower(dns.Fqdn(name))
	wildcard = strings.ToLower(wildcard)

	if s.opts.NSEC3 {
		return s.nsec3Chain(snap).prove(snap, name, kind, wildcard)
	}

	return s.nsecChain(snap).prove(snap, name, kind, wildcard)
}

// negativeTTL is the TTL of denial records, the smaller of the SOA TTL and
// its minimum field.
func negativeTTL(snap *zone.Snapshot) uint32 {
	soa := snap.SOA()
	return min(soa.Hdr.Ttl, soa.Minttl)
}

// occluded reports whether name lies below a zone cut.
func occluded(snap *zone.Snapshot, name string) bool {
	cut := snap.Delegation(name)
	return cut != nil && cut.Name() != name
}

// bitmap returns the sorted types at n for a denial record, leaving out
// records the signer creates itself.
func bitmap(n *zone.Node, extra ...uint16) []uint16 {
	var types []uint16
	for _, t := range n.Types() {
		switch t {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3:
			continue
		}
		types = append(types, t)
	}

	for _, t := range extra {
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	slices.Sort(types)

	return types
}

type nsecMemo struct{}

type nsecChain struct {
	zone  string
	ttl   uint32
	names []string
	types [][]uint16
}

func (s *Signer) nsecChain(snap *zone.Snapshot) *nsecChain {
	return snap.Memo(nsecMemo{}, func() any {
		c := &nsecChain{zone: s.zone, ttl: negativeTTL(snap)}
		for _, name := range snap.Names() {
			if occluded(snap, name) {
				continue
			}

			c.names = append(c.names, name)
			c.types = append(c.types, bitmap(snap.Node(name), dns.TypeRRSIG, dns.TypeNSEC))
		}

		return c
	}).(*nsecChain)
}

func (c *nsecChain) record(i int) dns.RR {
	return &dns.NSEC{
		Hdr:        dns.RR_Header{Name: c.names[i], Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: c.ttl},
		NextDomain: c.names[(i+1)%len(c.names)],
		TypeBitMap: slices.Clone(c.types[i]),
	}
}

func (c *nsecChain) match(name string) (int, bool) {
	i := sort.Search(len(c.names), func(i int) bool { return zone.Compare(c.names[i], name) >= 0 })
	return i, i < len(c.names) && c.names[i] == name
}

// cover returns the record whose owner precedes name, wrapping to the last one.
func (c *nsecChain) cover(name string) int {
	i := sort.Search(len(c.names), func(i int) bool { return zone.Compare(c.names[i], name) >= 0 }) - 1
	if i < 0 {
		i = len(c.names) - 1
	}

	return i
}

func (c *nsecChain) matchOrCover(name string) int {
	if i, ok := c.match(name); ok {
		return i
	}

	return c.cover(name)
}

func (c *nsecChain) prove(snap *zone.Snapshot, name string, kind Denial, wildcard string) []dns.RR {
	if len(c.names) == 0 {
		return nil
	}

	var idx []int
	switch kind {
	case NameError:
		ce := snap.ClosestEncloser(name)
		idx = append(idx, c.cover(name), c.cover("*."+ce))
	case NoData:
		idx = append(idx, c.matchOrCover(name))
	case WildcardAnswer:
		idx = append(idx, c.cover(name))
	case WildcardNoData:
		idx = append(idx, c.matchOrCover(wildcard), c.cover(name))
	}

	return records(idx, c.record)
}

func records(idx []int, record func(int) dns.RR) []dns.RR {
	var out []dns.RR
	seen := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, record(i))
	}

	return out
}
