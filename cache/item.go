package cache

import (
	"time"

	"github.com/miekg/dns"
)

// MaxTTL caps how long a response is kept.
const MaxTTL = 24 * time.Hour

// Item is a cached response. Its records age with the clock and the item
// expires with the first of them.
type Item struct {
	Rcode              int
	AuthenticatedData  bool
	RecursionAvailable bool
	Answer             []dns.RR
	Ns                 []dns.RR
	Extra              []dns.RR

	stored time.Time
	ttl    time.Duration
}

// NewItem copies m into an item stored at now. It returns nil when m may
// not be cached, such as failures, truncated or empty messages and zero TTLs.
func NewItem(m *dns.Msg, now time.Time) *Item {
	if m.Truncated || (m.Rcode != dns.RcodeSuccess && m.Rcode != dns.RcodeNameError) {
		return nil
	}

	if len(m.Answer)+len(m.Ns) == 0 {
		return nil
	}

	ttl := minimalTTL(m)
	if ttl <= 0 {
		return nil
	}

	return &Item{
		Rcode:              m.Rcode,
		AuthenticatedData:  m.AuthenticatedData,
		RecursionAvailable: m.RecursionAvailable,
		Answer:             copyRRs(m.Answer),
		Ns:                 copyRRs(m.Ns),
		Extra:              copyRRs(m.Extra),
		stored:             now,
		ttl:                ttl,
	}
}

// Msg returns a reply to req built from the item with TTLs reduced by the
// time spent in the cache. ok is false once the item expired.
func (i *Item) Msg(req *dns.Msg, now time.Time) (m *dns.Msg, ok bool) {
	elapsed := now.Sub(i.stored)
	if elapsed >= i.ttl {
		return nil, false
	}

	m = new(dns.Msg)
	m.SetReply(req)
	m.Rcode = i.Rcode
	m.AuthenticatedData = i.AuthenticatedData
	m.RecursionAvailable = i.RecursionAvailable

	age := uint32(elapsed / time.Second)
	m.Answer = aged(i.Answer, age)
	m.Ns = aged(i.Ns, age)
	m.Extra = aged(i.Extra, age)

	return m, true
}

// minimalTTL returns the lowest TTL in the message. Negative answers use the
// SOA minimum when it is lower (RFC 2308).
func minimalTTL(m *dns.Msg) time.Duration {
	ttl := uint32(MaxTTL / time.Second)

	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}

			ttl = min(ttl, h.Ttl)

			if soa, ok := rr.(*dns.SOA); ok && len(m.Answer) == 0 {
				ttl = min(ttl, soa.Minttl)
			}
		}
	}

	return time.Duration(ttl) * time.Second
}

func copyRRs(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		out = append(out, dns.Copy(rr))
	}

	return out
}

func aged(rrs []dns.RR, age uint32) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for j, rr := range rrs {
		out[j] = dns.Copy(rr)
		h := out[j].Header()
		if h.Ttl > age {
			h.Ttl -= age
		} else {
			h.Ttl = 0
		}
	}

	return out
}
