package zone

import (
	"sort"

	"github.com/miekg/dns"
)

// RRSet is a set of records sharing owner name, type and class.
type RRSet []dns.RR

// Type returns the record type of the set.
func (s RRSet) Type() uint16 {
	if len(s) == 0 {
		return dns.TypeNone
	}

	return s[0].Header().Rrtype
}

// TTL returns the smallest ttl of the set.
func (s RRSet) TTL() uint32 {
	if len(s) == 0 {
		return 0
	}

	ttl := s[0].Header().Ttl
	for _, rr := range s[1:] {
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}

	return ttl
}

// Copy returns a deep copy of the set.
func (s RRSet) Copy() RRSet {
	if s == nil {
		return nil
	}

	out := make(RRSet, len(s))
	for i, rr := range s {
		out[i] = dns.Copy(rr)
	}

	return out
}

// Rename returns a copy of the set with every owner set to name.
func (s RRSet) Rename(name string) RRSet {
	out := s.Copy()
	for _, rr := range out {
		rr.Header().Name = name
	}

	return out
}

// Contains reports whether rr is in the set, ignoring ttl.
func (s RRSet) Contains(rr dns.RR) bool {
	for _, r := range s {
		if sameRR(r, rr) {
			return true
		}
	}

	return false
}

// uniform gives every record the smallest ttl of the set, RFC 2181 section
// 5.2. Records are copied before they change since sets share them across
// snapshots. RRSIGs covering different types keep their own ttl.
func (s RRSet) uniform() RRSet {
	if s.Type() == dns.TypeRRSIG {
		return s
	}

	ttl := s.TTL()
	for i, rr := range s {
		if rr.Header().Ttl != ttl {
			s[i] = dns.Copy(rr)
			s[i].Header().Ttl = ttl
		}
	}

	return s
}

func (s RRSet) sorted() RRSet {
	sort.SliceStable(s, func(i, j int) bool { return rdataString(s[i]) < rdataString(s[j]) })
	return s
}

// Node holds every RRSet of one owner name. Nodes reachable from a published
// snapshot are never modified.
type Node struct {
	name string
	sets map[uint16]RRSet
}

func newNode(name string) *Node {
	return &Node{name: name, sets: make(map[uint16]RRSet)}
}

// Name returns the owner name of the node.
func (n *Node) Name() string { return n.name }

// Has reports whether the node holds an RRSet of type t.
func (n *Node) Has(t uint16) bool {
	_, ok := n.sets[t]
	return ok
}

// RRSet returns a copy of the RRSet of type t.
func (n *Node) RRSet(t uint16) RRSet {
	return n.sets[t].Copy()
}

// Types returns the types present at the node in ascending order.
func (n *Node) Types() []uint16 {
	types := make([]uint16, 0, len(n.sets))
	for t := range n.sets {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Empty reports whether the node has no records.
func (n *Node) Empty() bool { return len(n.sets) == 0 }

func (n *Node) clone() *Node {
	c := &Node{name: n.name, sets: make(map[uint16]RRSet, len(n.sets))}
	for t, s := range n.sets {
		c.sets[t] = s
	}

	return c
}

// sameRR compares type and rdata only; owner case, class and ttl are ignored.
func sameRR(a, b dns.RR) bool {
	if a.Header().Rrtype != b.Header().Rrtype {
		return false
	}

	c := dns.Copy(b)
	c.Header().Name = a.Header().Name
	c.Header().Class = a.Header().Class

	return dns.IsDuplicate(a, c)
}

// rdataString renders the rdata of rr in presentation format.
func rdataString(rr dns.RR) string {
	h := rr.Header()
	full := rr.String()
	head := h.String()
	if len(full) >= len(head) {
		return full[len(head):]
	}

	return full
}
