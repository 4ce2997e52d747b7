package zone

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
)

// Snapshot is one immutable version of a zone. All read operations of the
// record store run against a snapshot and never block updates.
type Snapshot struct {
	id     uint64
	origin string
	class  uint16
	nodes  map[string]*Node
	names  []string

	memo sync.Map
}

var versions atomic.Uint64

func key(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// NewSnapshot builds a snapshot of origin from records and checks the apex invariant.
func NewSnapshot(origin string, records []dns.RR) (*Snapshot, error) {
	origin = key(origin)

	s := &Snapshot{
		id:     versions.Add(1),
		origin: origin,
		class:  dns.ClassINET,
		nodes:  make(map[string]*Node),
	}

	for _, rr := range records {
		h := rr.Header()
		name := key(h.Name)

		if !InZone(origin, name) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfZone, h.Name)
		}

		if h.Class != dns.ClassINET {
			return nil, fmt.Errorf("%w: %s %s", ErrClass, h.Name, dns.ClassToString[h.Class])
		}

		switch h.Rrtype {
		case dns.TypeOPT, dns.TypeTSIG, dns.TypeSIG, dns.TypeANY, dns.TypeAXFR, dns.TypeIXFR:
			return nil, fmt.Errorf("%w: %s %s", ErrRecordType, h.Name, dns.TypeToString[h.Rrtype])
		}

		n := s.nodes[name]
		if n == nil {
			n = newNode(name)
			s.nodes[name] = n
		}

		set := n.sets[h.Rrtype]
		if set.Contains(rr) {
			continue
		}
		n.sets[h.Rrtype] = append(set, dns.Copy(rr))
	}

	for _, n := range s.nodes {
		for t, set := range n.sets {
			n.sets[t] = set.uniform().sorted()
		}

		if n.Has(dns.TypeCNAME) && len(n.otherTypes(dns.TypeCNAME)) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrCNAMEConflict, n.name)
		}
	}

	if err := s.checkApex(); err != nil {
		return nil, err
	}

	s.names = sortedNames(s.nodes)

	return s, nil
}

func (s *Snapshot) checkApex() error {
	apex := s.nodes[s.origin]
	if apex == nil || len(apex.sets[dns.TypeSOA]) != 1 {
		return fmt.Errorf("%w: %s", ErrNoSOA, s.origin)
	}

	if len(apex.sets[dns.TypeNS]) == 0 {
		return fmt.Errorf("%w: %s", ErrNoNS, s.origin)
	}

	return nil
}

func sortedNames(nodes map[string]*Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	SortNames(names)

	return names
}

// ID returns a process-wide unique identifier of this snapshot.
func (s *Snapshot) ID() uint64 { return s.id }

// Origin returns the zone apex.
func (s *Snapshot) Origin() string { return s.origin }

// Class returns the zone class.
func (s *Snapshot) Class() uint16 { return s.class }

// SOA returns a copy of the apex SOA record.
func (s *Snapshot) SOA() *dns.SOA {
	return dns.Copy(s.nodes[s.origin].sets[dns.TypeSOA][0]).(*dns.SOA)
}

// Serial returns the serial of the apex SOA.
func (s *Snapshot) Serial() uint32 {
	return s.nodes[s.origin].sets[dns.TypeSOA][0].(*dns.SOA).Serial
}

// Len returns the number of owner names holding records.
func (s *Snapshot) Len() int { return len(s.names) }

// Names returns the owner names in canonical order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)

	return out
}

// Node returns the node of name or nil.
func (s *Snapshot) Node(name string) *Node {
	return s.nodes[key(name)]
}

func (s *Snapshot) classMatch(qclass uint16) bool {
	return qclass == s.class || qclass == dns.ClassANY
}

// Lookup returns a copy of the RRSet at exactly name, or nil.
func (s *Snapshot) Lookup(name string, qtype, qclass uint16) RRSet {
	if !s.classMatch(qclass) {
		return nil
	}

	n := s.nodes[key(name)]
	if n == nil {
		return nil
	}

	return n.RRSet(qtype)
}

// WildcardNode returns the node at *.<parent of name> when no node exists at
// name itself.
func (s *Snapshot) WildcardNode(name string) *Node {
	name = key(name)
	if name == s.origin || s.nodes[name] != nil {
		return nil
	}

	parent := Parent(name)
	if parent == "" || !InZone(s.origin, parent) {
		return nil
	}

	return s.nodes["*."+parent]
}

// Wildcard returns the RRSet synthesized for name from *.<parent of name>, with
// owners rewritten to name, and the wildcard owner it came from.
func (s *Snapshot) Wildcard(name string, qtype, qclass uint16) (RRSet, string) {
	if !s.classMatch(qclass) {
		return nil, ""
	}

	n := s.WildcardNode(name)
	if n == nil || !n.Has(qtype) {
		return nil, ""
	}

	return n.sets[qtype].Rename(dns.Fqdn(name)), n.name
}

// Exists reports whether name owns records or is an empty non-terminal.
func (s *Snapshot) Exists(name string) bool {
	name = key(name)
	if s.nodes[name] != nil {
		return true
	}

	return s.hasDescendant(name)
}

func (s *Snapshot) hasDescendant(name string) bool {
	i := sort.Search(len(s.names), func(i int) bool { return Compare(s.names[i], name) >= 0 })
	for ; i < len(s.names); i++ {
		if s.names[i] == name {
			continue
		}

		return dns.IsSubDomain(name, s.names[i])
	}

	return false
}

// Delegation returns the topmost zone cut at or above name, excluding the apex.
func (s *Snapshot) Delegation(name string) *Node {
	name = key(name)

	var chain []string
	for n := name; n != s.origin && n != "" && InZone(s.origin, n); n = Parent(n) {
		chain = append(chain, n)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if n := s.nodes[chain[i]]; n != nil && n.Has(dns.TypeNS) {
			return n
		}
	}

	return nil
}

// ClosestEncloser returns the longest existing ancestor of name, which may be
// name itself.
func (s *Snapshot) ClosestEncloser(name string) string {
	for n := key(name); n != "" && InZone(s.origin, n); n = Parent(n) {
		if s.Exists(n) {
			return n
		}
	}

	return s.origin
}

// Index returns the canonical position of name and whether name owns records.
// When it does not, the position is where name would be inserted.
func (s *Snapshot) Index(name string) (int, bool) {
	name = key(name)
	i := sort.Search(len(s.names), func(i int) bool { return Compare(s.names[i], name) >= 0 })

	return i, i < len(s.names) && s.names[i] == name
}

// NameAt returns the owner name at canonical position i, wrapping around.
func (s *Snapshot) NameAt(i int) string {
	n := len(s.names)
	return s.names[((i%n)+n)%n]
}

// Records returns a copy of every record in canonical owner order.
func (s *Snapshot) Records() []dns.RR {
	var out []dns.RR
	for _, name := range s.names {
		n := s.nodes[name]
		for _, t := range n.Types() {
			out = append(out, n.sets[t].Copy()...)
		}
	}

	return out
}

// Memo returns the value cached under k for this snapshot, computing it once
// with fn. Used for data derived from the snapshot such as denial chains.
func (s *Snapshot) Memo(k any, fn func() any) any {
	if v, ok := s.memo.Load(k); ok {
		return v
	}

	v, _ := s.memo.LoadOrStore(k, fn())

	return v
}

func (n *Node) otherTypes(except ...uint16) []uint16 {
	var out []uint16
next:
	for t := range n.sets {
		for _, e := range except {
			if t == e {
				continue next
			}
		}
		switch t {
		case dns.TypeRRSIG, dns.TypeNSEC:
			continue
		}
		out = append(out, t)
	}

	return out
}
