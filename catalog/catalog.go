// Package catalog maps zone names to the authorities serving them.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/zone"
)

// ErrDuplicate is returned when a zone is registered twice.
var ErrDuplicate = errors.New("zone already registered")

// Catalog is the set of zones served. It is filled while being built and
// read-only once installed in a Holder.
type Catalog struct {
	zones map[string]authority.Authority
	defs  map[string]string

	recursion authority.Authority
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		zones: make(map[string]authority.Authority),
		defs:  make(map[string]string),
	}
}

// Register adds a under name.
func (c *Catalog) Register(name string, a authority.Authority) error {
	name = strings.ToLower(dns.Fqdn(name))

	if _, ok := c.zones[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicate)
	}

	c.zones[name] = a

	return nil
}

// SetRecursion sets the authority answering names outside every zone.
func (c *Catalog) SetRecursion(a authority.Authority) { c.recursion = a }

// Recursion returns the fallback authority, nil when recursion is disabled.
func (c *Catalog) Recursion() authority.Authority { return c.recursion }

// Find returns the authority of the longest zone containing qname.
func (c *Catalog) Find(qname string) authority.Authority {
	if c == nil {
		return nil
	}

	for name := strings.ToLower(dns.Fqdn(qname)); name != ""; name = zone.Parent(name) {
		if a, ok := c.zones[name]; ok {
			return a
		}
	}

	return nil
}

// Lookup returns the authority registered exactly under name.
func (c *Catalog) Lookup(name string) authority.Authority {
	if c == nil {
		return nil
	}

	return c.zones[strings.ToLower(dns.Fqdn(name))]
}

// Names returns the registered zone names in canonical order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}

	names := make([]string, 0, len(c.zones))
	for name := range c.zones {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return zone.Compare(names[i], names[j]) < 0 })

	return names
}

// Zones returns the registered authorities in canonical name order.
func (c *Catalog) Zones() []authority.Authority {
	names := c.Names()

	out := make([]authority.Authority, 0, len(names))
	for _, name := range names {
		out = append(out, c.zones[name])
	}

	return out
}

// Len returns the number of zones.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}

	return len(c.zones)
}

// Holder publishes the current catalog to concurrent readers.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder returns a holder serving c.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.current.Store(c)

	return h
}

// Load returns the current catalog.
func (h *Holder) Load() *Catalog { return h.current.Load() }

// Swap installs c and returns the previous catalog.
func (h *Holder) Swap(c *Catalog) *Catalog { return h.current.Swap(c) }
