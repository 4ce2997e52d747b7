package authority

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/zone"
)

// resolve answers q from snap following RFC 1034 section 4.3.2.
func resolve(snap *zone.Snapshot, q Query) *Response {
	name := strings.ToLower(dns.Fqdn(q.Name))
	origin := snap.Origin()

	r := &Response{
		Kind:          KindAnswer,
		Rcode:         dns.RcodeSuccess,
		Authoritative: true,
		Snapshot:      snap,
		Hops:          q.Hops,
		Synth:         make(map[string]string),
	}
	extra := newAdditional(snap)

	for {
		if cut := snap.Delegation(name); cut != nil && (q.Type != dns.TypeDS || cut.Name() != name) {
			referral(r, cut, q.DO, extra)
			break
		}

		node := snap.Node(name)
		if node != nil {
			if sets := matching(node, q.Type); len(sets) > 0 {
				for _, set := range sets {
					r.Answer = append(r.Answer, set...)
					extra.add(set)
				}
				break
			}

			if cname := node.RRSet(dns.TypeCNAME); len(cname) > 0 && q.Type != dns.TypeCNAME {
				r.Answer = append(r.Answer, cname...)
				if next, ok := chase(r, q, origin, cname); ok {
					name = next
					continue
				}
				break
			}

			nodata(snap, r, name)
			break
		}

		if snap.Exists(name) {
			nodata(snap, r, name)
			break
		}

		if wnode := snap.WildcardNode(name); wnode != nil {
			wildcard := wnode.Name()

			if sets := matching(wnode, q.Type); len(sets) > 0 {
				for _, set := range sets {
					set = set.Rename(name)
					r.Answer = append(r.Answer, set...)
					extra.add(set)
				}
				r.Synth[name] = wildcard
				r.Proofs = append(r.Proofs, Proof{Name: name, Denial: dnssec.WildcardAnswer, Wildcard: wildcard})
				break
			}

			if cname := wnode.RRSet(dns.TypeCNAME); len(cname) > 0 && q.Type != dns.TypeCNAME {
				r.Answer = append(r.Answer, cname.Rename(name)...)
				r.Synth[name] = wildcard
				r.Proofs = append(r.Proofs, Proof{Name: name, Denial: dnssec.WildcardAnswer, Wildcard: wildcard})
				if next, ok := chase(r, q, origin, cname); ok {
					name = next
					continue
				}
				break
			}

			r.Kind = KindNoData
			r.Ns = append(r.Ns, negativeSOA(snap))
			r.Synth[name] = wildcard
			r.Proofs = append(r.Proofs, Proof{Name: name, Denial: dnssec.WildcardNoData, Wildcard: wildcard})
			break
		}

		r.Kind = KindNXDomain
		r.Rcode = dns.RcodeNameError
		r.Ns = append(r.Ns, negativeSOA(snap))
		r.Proofs = append(r.Proofs, Proof{Name: name, Denial: dnssec.NameError})
		break
	}

	r.Extra = append(r.Extra, extra.records...)

	return r
}

// matching returns the sets at node answering qtype; ANY returns every set.
func matching(node *zone.Node, qtype uint16) []zone.RRSet {
	if qtype != dns.TypeANY {
		if set := node.RRSet(qtype); len(set) > 0 {
			return []zone.RRSet{set}
		}

		return nil
	}

	var sets []zone.RRSet
	for _, t := range node.Types() {
		if t == dns.TypeRRSIG || t == dns.TypeNSEC {
			continue
		}
		sets = append(sets, node.RRSet(t))
	}

	return sets
}

// chase follows a CNAME. It reports the next name to look up in this zone.
// A target outside the zone is left in r.Chase for the caller.
func chase(r *Response, q Query, origin string, cname zone.RRSet) (string, bool) {
	r.Hops++
	if r.Hops >= q.maxChain() {
		return "", false
	}

	target := strings.ToLower(cname[0].(*dns.CNAME).Target)
	if !zone.InZone(origin, target) {
		r.Chase = target
		return "", false
	}

	return target, true
}

func nodata(snap *zone.Snapshot, r *Response, name string) {
	r.Kind = KindNoData
	r.Ns = append(r.Ns, negativeSOA(snap))
	r.Proofs = append(r.Proofs, Proof{Name: name, Denial: dnssec.NoData})
}

func referral(r *Response, cut *zone.Node, do bool, extra *additional) {
	if len(r.Answer) == 0 {
		r.Kind = KindReferral
		r.Authoritative = false
	}

	ns := cut.RRSet(dns.TypeNS)
	r.Ns = append(r.Ns, ns...)

	if do {
		if ds := cut.RRSet(dns.TypeDS); len(ds) > 0 {
			r.Ns = append(r.Ns, ds...)
		} else {
			r.Proofs = append(r.Proofs, Proof{Name: cut.Name(), Denial: dnssec.NoData})
		}
	}

	extra.add(ns)
}

// negativeSOA returns the SOA for negative answers with its TTL capped by
// the minimum field, RFC 2308 section 3.
func negativeSOA(snap *zone.Snapshot) dns.RR {
	soa := snap.SOA()
	soa.Hdr.Ttl = min(soa.Hdr.Ttl, soa.Minttl)

	return soa
}

// additional collects address records for names mentioned in the answer.
type additional struct {
	snap    *zone.Snapshot
	seen    map[string]struct{}
	records []dns.RR
}

func newAdditional(snap *zone.Snapshot) *additional {
	return &additional{snap: snap, seen: make(map[string]struct{})}
}

func (a *additional) add(set zone.RRSet) {
	for _, rr := range set {
		var target string
		switch v := rr.(type) {
		case *dns.NS:
			target = v.Ns
		case *dns.MX:
			target = v.Mx
		case *dns.SRV:
			target = v.Target
		default:
			continue
		}

		target = strings.ToLower(target)
		if _, ok := a.seen[target]; ok || !zone.InZone(a.snap.Origin(), target) {
			continue
		}
		a.seen[target] = struct{}{}

		for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
			a.records = append(a.records, a.snap.Lookup(target, t, dns.ClassINET)...)
		}
	}
}
