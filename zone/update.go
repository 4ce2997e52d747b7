package zone

import (
	"github.com/miekg/dns"
)

func isDNSSECType(t uint16) bool {
	switch t {
	case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM, dns.TypeDNSKEY:
		return true
	}

	return false
}

func isMetaType(t uint16) bool {
	switch t {
	case dns.TypeANY, dns.TypeAXFR, dns.TypeIXFR, dns.TypeMAILA, dns.TypeMAILB, dns.TypeOPT, dns.TypeTSIG:
		return true
	}

	return false
}

func nameInUse(s *Snapshot, name string) bool {
	n := s.nodes[name]
	return n != nil && !n.Empty()
}

func checkPrerequisites(s *Snapshot, prereqs []dns.RR) error {
	type setKey struct {
		name string
		t    uint16
	}

	var order []setKey
	temp := make(map[setKey]RRSet)

	for _, rr := range prereqs {
		h := rr.Header()
		name := key(h.Name)

		if h.Ttl != 0 {
			return reject(dns.RcodeFormatError, "prerequisite with non-zero ttl")
		}

		if !InZone(s.origin, name) {
			return reject(dns.RcodeNotZone, "prerequisite outside zone: "+h.Name)
		}

		switch h.Class {
		case dns.ClassANY:
			if h.Rdlength != 0 {
				return reject(dns.RcodeFormatError, "prerequisite with rdata in class ANY")
			}

			if h.Rrtype == dns.TypeANY {
				if !nameInUse(s, name) {
					return reject(dns.RcodeNameError, "name not in use: "+h.Name)
				}
			} else if len(s.Lookup(name, h.Rrtype, s.class)) == 0 {
				return reject(dns.RcodeNXRrset, "rrset does not exist: "+h.Name+" "+dns.TypeToString[h.Rrtype])
			}

		case dns.ClassNONE:
			if h.Rdlength != 0 {
				return reject(dns.RcodeFormatError, "prerequisite with rdata in class NONE")
			}

			if h.Rrtype == dns.TypeANY {
				if nameInUse(s, name) {
					return reject(dns.RcodeYXDomain, "name in use: "+h.Name)
				}
			} else if len(s.Lookup(name, h.Rrtype, s.class)) != 0 {
				return reject(dns.RcodeYXRrset, "rrset exists: "+h.Name+" "+dns.TypeToString[h.Rrtype])
			}

		case s.class:
			k := setKey{name, h.Rrtype}
			if _, ok := temp[k]; !ok {
				order = append(order, k)
			}
			temp[k] = append(temp[k], rr)

		default:
			return reject(dns.RcodeFormatError, "prerequisite with invalid class")
		}
	}

	for _, k := range order {
		want := temp[k]
		have := s.Lookup(k.name, k.t, s.class)

		if !sameSet(have, want) {
			return reject(dns.RcodeNXRrset, "rrset differs: "+k.name+" "+dns.TypeToString[k.t])
		}
	}

	return nil
}

func sameSet(a, b RRSet) bool {
	for _, rr := range a {
		if !b.Contains(rr) {
			return false
		}
	}

	for _, rr := range b {
		if !a.Contains(rr) {
			return false
		}
	}

	return len(a) > 0
}

func (s *Store) prescan(snap *Snapshot, updates []dns.RR) error {
	for _, rr := range updates {
		h := rr.Header()

		if !InZone(snap.origin, key(h.Name)) {
			return reject(dns.RcodeNotZone, "update outside zone: "+h.Name)
		}

		switch h.Class {
		case snap.class:
			if isMetaType(h.Rrtype) || h.Rrtype == dns.TypeSIG {
				return reject(dns.RcodeFormatError, "add of meta type "+dns.TypeToString[h.Rrtype])
			}
		case dns.ClassANY:
			if h.Ttl != 0 || h.Rdlength != 0 || (isMetaType(h.Rrtype) && h.Rrtype != dns.TypeANY) {
				return reject(dns.RcodeFormatError, "malformed delete in class ANY")
			}
		case dns.ClassNONE:
			if h.Ttl != 0 || isMetaType(h.Rrtype) {
				return reject(dns.RcodeFormatError, "malformed delete in class NONE")
			}
		default:
			return reject(dns.RcodeFormatError, "update with invalid class")
		}

		if s.signed && isDNSSECType(h.Rrtype) {
			return reject(dns.RcodeRefused, "dnssec records are maintained by the signer")
		}
	}

	return nil
}

type setKey struct {
	name string
	t    uint16
}

type txn struct {
	base   *Snapshot
	signed bool

	nodes   map[string]*Node
	touched map[setKey]struct{}
	order   []setKey
	soaSet  bool
}

func newTxn(base *Snapshot, signed bool) *txn {
	return &txn{
		base:    base,
		signed:  signed,
		nodes:   make(map[string]*Node),
		touched: make(map[setKey]struct{}),
	}
}

func (x *txn) node(name string) *Node {
	if n, ok := x.nodes[name]; ok {
		return n
	}

	return x.base.nodes[name]
}

func (x *txn) rrset(name string, t uint16) RRSet {
	n := x.node(name)
	if n == nil {
		return nil
	}

	return n.sets[t]
}

func (x *txn) set(name string, t uint16, rrs RRSet) {
	n, ok := x.nodes[name]
	if !ok {
		if b := x.base.nodes[name]; b != nil {
			n = b.clone()
		} else {
			n = newNode(name)
		}
		x.nodes[name] = n
	}

	if len(rrs) == 0 {
		delete(n.sets, t)
	} else {
		n.sets[t] = rrs.uniform().sorted()
	}

	k := setKey{name, t}
	if _, ok := x.touched[k]; !ok {
		x.touched[k] = struct{}{}
		x.order = append(x.order, k)
	}
}

func (x *txn) apply(rr dns.RR) {
	h := rr.Header()
	name := key(h.Name)
	origin := x.base.origin

	switch h.Class {
	case x.base.class:
		x.add(name, rr)

	case dns.ClassANY:
		n := x.node(name)
		if n == nil {
			return
		}

		if h.Rrtype == dns.TypeANY {
			for _, t := range n.Types() {
				if name == origin && (t == dns.TypeSOA || t == dns.TypeNS) {
					continue
				}
				if x.signed && isDNSSECType(t) {
					continue
				}
				x.set(name, t, nil)
			}
			return
		}

		if name == origin && (h.Rrtype == dns.TypeSOA || h.Rrtype == dns.TypeNS) {
			return
		}

		if n.Has(h.Rrtype) {
			x.set(name, h.Rrtype, nil)
		}

	case dns.ClassNONE:
		if h.Rrtype == dns.TypeSOA {
			return
		}

		cur := x.rrset(name, h.Rrtype)
		if h.Rrtype == dns.TypeNS && name == origin && len(cur) == 1 && sameRR(cur[0], rr) {
			return
		}

		var keep RRSet
		for _, z := range cur {
			if !sameRR(z, rr) {
				keep = append(keep, z)
			}
		}

		if len(keep) != len(cur) {
			x.set(name, h.Rrtype, keep)
		}
	}
}

func (x *txn) add(name string, rr dns.RR) {
	h := rr.Header()
	n := x.node(name)

	if n != nil {
		if h.Rrtype == dns.TypeCNAME {
			if len(n.otherTypes(dns.TypeCNAME)) > 0 {
				return
			}
		} else if n.Has(dns.TypeCNAME) && !isDNSSECType(h.Rrtype) {
			return
		}
	}

	cur := x.rrset(name, h.Rrtype)
	add := dns.Copy(rr)

	switch h.Rrtype {
	case dns.TypeSOA:
		if len(cur) == 0 {
			return
		}
		if !SerialGreater(add.(*dns.SOA).Serial, cur[0].(*dns.SOA).Serial) {
			return
		}
		x.soaSet = true
		x.set(name, h.Rrtype, RRSet{add})
		return
	case dns.TypeCNAME:
		x.set(name, h.Rrtype, RRSet{add})
		return
	}

	next := make(RRSet, 0, len(cur)+1)
	replaced := false
	for _, z := range cur {
		if !replaced && sameRR(z, add) {
			next = append(next, add)
			replaced = true
			continue
		}
		next = append(next, z)
	}
	if !replaced {
		next = append(next, add)
	}

	// an added record sets the ttl of the whole set
	if h.Rrtype != dns.TypeRRSIG {
		for i, z := range next {
			if z.Header().Ttl != h.Ttl {
				next[i] = dns.Copy(z)
				next[i].Header().Ttl = h.Ttl
			}
		}
	}

	x.set(name, h.Rrtype, next)
}

func (x *txn) commit() *Change {
	change := &Change{
		Zone:      x.base.origin,
		OldSerial: x.base.Serial(),
		Serial:    x.base.Serial(),
		Snapshot:  x.base,
	}

	for _, k := range x.order {
		before := x.base.nodes[k.name]
		var old RRSet
		if before != nil {
			old = before.sets[k.t]
		}

		now := x.rrset(k.name, k.t)
		if sameSet(old, now) && sameTTL(old, now) || len(old) == 0 && len(now) == 0 {
			continue
		}

		change.Sets = append(change.Sets, SetChange{Name: k.name, Type: k.t, Records: now.Copy()})
	}

	if len(change.Sets) == 0 {
		return change
	}

	origin := x.base.origin
	if !x.soaSet {
		soa := dns.Copy(x.rrset(origin, dns.TypeSOA)[0]).(*dns.SOA)
		soa.Serial++
		x.set(origin, dns.TypeSOA, RRSet{soa})
		change.Sets = append(change.Sets, SetChange{Name: origin, Type: dns.TypeSOA, Records: RRSet{dns.Copy(soa)}})
	}

	nodes := make(map[string]*Node, len(x.base.nodes)+len(x.nodes))
	for name, n := range x.base.nodes {
		nodes[name] = n
	}

	reindex := false
	for name, n := range x.nodes {
		_, existed := nodes[name]
		if n.Empty() {
			if existed {
				delete(nodes, name)
				reindex = true
			}
			continue
		}
		if !existed {
			reindex = true
		}
		nodes[name] = n
	}

	names := x.base.names
	if reindex {
		names = sortedNames(nodes)
	}

	snap := &Snapshot{
		id:     versions.Add(1),
		origin: origin,
		class:  x.base.class,
		nodes:  nodes,
		names:  names,
	}

	change.Snapshot = snap
	change.Serial = snap.Serial()

	return change
}

func sameTTL(a, b RRSet) bool {
	return len(a) == len(b) && a.TTL() == b.TTL()
}
