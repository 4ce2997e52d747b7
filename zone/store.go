package zone

import (
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
)

// Store holds the current snapshot of one zone. Readers load the snapshot
// without locking; writers are serialized and publish a complete new snapshot.
type Store struct {
	origin string
	signed bool

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option configures a Store.
type Option func(*Store)

// Signed protects DNSSEC record types from dynamic updates.
func Signed() Option {
	return func(s *Store) { s.signed = true }
}

// NewStore returns a store for origin holding records.
func NewStore(origin string, records []dns.RR, opts ...Option) (*Store, error) {
	snap, err := NewSnapshot(origin, records)
	if err != nil {
		return nil, err
	}

	s := &Store{origin: snap.origin}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(snap)

	return s, nil
}

// Origin returns the zone apex.
func (s *Store) Origin() string { return s.origin }

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace swaps in a snapshot built from records, e.g. after a zone transfer.
func (s *Store) Replace(records []dns.RR) (*Snapshot, error) {
	snap, err := NewSnapshot(s.origin, records)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current.Store(snap)
	s.mu.Unlock()

	return snap, nil
}

// SetChange is the content of one RRSet after an update; an empty Records
// means the RRSet was removed.
type SetChange struct {
	Name    string
	Type    uint16
	Records RRSet
}

// Change describes a committed update.
type Change struct {
	Zone      string
	OldSerial uint32
	Serial    uint32
	Sets      []SetChange
	Snapshot  *Snapshot
}

// Changed reports whether the update modified the zone.
func (c *Change) Changed() bool { return len(c.Sets) > 0 }

// Update evaluates prereqs and applies updates following RFC 2136 sections 3.2
// and 3.4. The whole update is rejected with an *UpdateError if any
// prerequisite fails or the request is malformed. persist, when non-nil, is
// called with the change before the new snapshot becomes visible and its error
// aborts the update. At most one update runs per store at a time.
func (s *Store) Update(prereqs, updates []dns.RR, persist func(*Change) error) (*Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.current.Load()

	if err := checkPrerequisites(base, prereqs); err != nil {
		return nil, err
	}

	if err := s.prescan(base, updates); err != nil {
		return nil, err
	}

	tx := newTxn(base, s.signed)
	for _, rr := range updates {
		tx.apply(rr)
	}

	change := tx.commit()
	if !change.Changed() {
		return change, nil
	}

	if persist != nil {
		if err := persist(change); err != nil {
			return nil, err
		}
	}

	s.current.Store(change.Snapshot)

	return change, nil
}
