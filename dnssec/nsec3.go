package dnssec

import (
	"slices"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/zone"
)

type nsec3Memo struct {
	salt       string
	iterations uint16
}

type nsec3Entry struct {
	hash  string
	name  string
	types []uint16
}

type nsec3Chain struct {
	zone       string
	ttl        uint32
	salt       string
	iterations uint16
	entries    []nsec3Entry
}

// nsec3Chain hashes every authoritative name of snap, empty non-terminals
// included, and orders the result by hash.
func (s *Signer) nsec3Chain(snap *zone.Snapshot) *nsec3Chain {
	memo := nsec3Memo{salt: s.opts.Salt, iterations: s.opts.Iterations}

	return snap.Memo(memo, func() any {
		c := &nsec3Chain{
			zone:       s.zone,
			ttl:        negativeTTL(snap),
			salt:       s.opts.Salt,
			iterations: s.opts.Iterations,
		}

		types := make(map[string][]uint16)
		for _, name := range snap.Names() {
			if occluded(snap, name) {
				continue
			}

			n := snap.Node(name)
			cut := name != s.zone && n.Has(dns.TypeNS)
			if cut && !n.Has(dns.TypeDS) {
				types[name] = bitmap(n)
			} else {
				types[name] = bitmap(n, dns.TypeRRSIG)
			}

			for p := zone.Parent(name); p != "" && p != s.zone && zone.InZone(s.zone, p); p = zone.Parent(p) {
				if _, ok := types[p]; ok {
					break
				}
				types[p] = nil
			}
		}

		for name, t := range types {
			c.entries = append(c.entries, nsec3Entry{hash: c.hash(name), name: name, types: t})
		}
		sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].hash < c.entries[j].hash })

		return c
	}).(*nsec3Chain)
}

func (c *nsec3Chain) hash(name string) string {
	return dns.HashName(name, dns.SHA1, c.iterations, c.salt)
}

func (c *nsec3Chain) record(i int) dns.RR {
	e := c.entries[i]
	return &dns.NSEC3{
		Hdr:        dns.RR_Header{Name: strings.ToLower(e.hash) + "." + c.zone, Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: c.ttl},
		Hash:       dns.SHA1,
		Iterations: c.iterations,
		SaltLength: uint8(len(c.salt) / 2),
		Salt:       c.salt,
		HashLength: 20,
		NextDomain: c.entries[(i+1)%len(c.entries)].hash,
		TypeBitMap: slices.Clone(e.types),
	}
}

func (c *nsec3Chain) search(h string) int {
	return sort.Search(len(c.entries), func(i int) bool { return c.entries[i].hash >= h })
}

func (c *nsec3Chain) match(name string) (int, bool) {
	h := c.hash(name)
	i := c.search(h)

	return i, i < len(c.entries) && c.entries[i].hash == h
}

// cover returns the record whose hash precedes the hash of name, wrapping to the last one.
func (c *nsec3Chain) cover(name string) int {
	i := c.search(c.hash(name)) - 1
	if i < 0 {
		i = len(c.entries) - 1
	}

	return i
}

func (c *nsec3Chain) matchOrCover(name string) int {
	if i, ok := c.match(name); ok {
		return i
	}

	return c.cover(name)
}

// nextCloser returns the ancestor of name one label below ce.
func nextCloser(name, ce string) string {
	labels := dns.SplitDomainName(name)
	n := dns.CountLabel(ce)
	if n >= len(labels) {
		return name
	}

	return strings.Join(labels[len(labels)-n-1:], ".") + "."
}

func (c *nsec3Chain) prove(snap *zone.Snapshot, name string, kind Denial, wildcard string) []dns.RR {
	if len(c.entries) == 0 {
		return nil
	}

	var idx []int
	switch kind {
	case NameError:
		ce := snap.ClosestEncloser(name)
		idx = append(idx, c.matchOrCover(ce), c.cover(nextCloser(name, ce)), c.cover("*."+ce))
	case NoData:
		idx = append(idx, c.matchOrCover(name))
	case WildcardAnswer:
		ce := strings.TrimPrefix(wildcard, "*.")
		idx = append(idx, c.cover(nextCloser(name, ce)))
	case WildcardNoData:
		ce := strings.TrimPrefix(wildcard, "*.")
		idx = append(idx, c.matchOrCover(ce), c.cover(nextCloser(name, ce)), c.matchOrCover(wildcard))
	}

	return records(idx, c.record)
}
