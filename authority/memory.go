package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

// Options configures a zone authority.
type Options struct {
	Origin  string
	Type    string
	Records []dns.RR

	// Signer enables online DNSSEC signing when set.
	Signer *dnssec.Signer

	Policy *update.Policy

	// Primaries are the transfer sources of a secondary zone.
	Primaries []string
	Timeout   time.Duration
}

// Memory is an authority holding its zone in memory. Primary zones are
// loaded once and changed by dynamic updates; secondary zones are replaced by
// zone transfers from their primaries.
type Memory struct {
	origin    string
	typ       string
	signer    *dnssec.Signer
	policy    *update.Policy
	primaries []string
	timeout   time.Duration

	store   atomic.Pointer[zone.Store]
	refresh sync.Mutex

	// persist mirrors committed changes into a backing store.
	persist func(context.Context, *zone.Change) error
}

// NewMemory returns a memory authority for opts. A secondary zone without
// records stays unloaded until the first Refresh.
func NewMemory(opts Options) (*Memory, error) {
	if opts.Type == "" {
		opts.Type = config.ZonePrimary
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	m := &Memory{
		origin:    strings.ToLower(dns.Fqdn(opts.Origin)),
		typ:       opts.Type,
		signer:    opts.Signer,
		policy:    opts.Policy,
		primaries: opts.Primaries,
		timeout:   opts.Timeout,
	}

	if len(opts.Records) == 0 && m.typ == config.ZoneSecondary {
		return m, nil
	}

	store, err := m.newStore(opts.Records)
	if err != nil {
		return nil, err
	}
	m.store.Store(store)

	return m, nil
}

func (m *Memory) newStore(records []dns.RR) (*zone.Store, error) {
	var opts []zone.Option
	if m.signer != nil {
		opts = append(opts, zone.Signed())
	}

	return zone.NewStore(m.origin, m.prepare(records), opts...)
}

// prepare replaces DNSSEC records of a signed zone by the ones the signer publishes.
func (m *Memory) prepare(records []dns.RR) []dns.RR {
	if m.signer == nil {
		return records
	}

	ttl := uint32(3600)
	out := make([]dns.RR, 0, len(records)+4)
	for _, rr := range records {
		switch v := rr.(type) {
		case *dns.RRSIG, *dns.NSEC, *dns.NSEC3, *dns.NSEC3PARAM, *dns.DNSKEY:
			continue
		case *dns.SOA:
			ttl = v.Hdr.Ttl
		}
		out = append(out, rr)
	}

	return append(out, m.signer.ApexRecords(ttl)...)
}

// Origin returns the zone apex.
func (m *Memory) Origin() string { return m.origin }

// Type returns primary or secondary.
func (m *Memory) Type() string { return m.typ }

// Snapshot returns the current zone data, nil before a secondary is loaded.
func (m *Memory) Snapshot() *zone.Snapshot {
	store := m.store.Load()
	if store == nil {
		return nil
	}

	return store.Snapshot()
}

// DNSSECEnabled reports whether answers are signed.
func (m *Memory) DNSSECEnabled() bool { return m.signer != nil }

// SigningKeys returns the zone keys, empty when DNSSEC is disabled.
func (m *Memory) SigningKeys() []*dnssec.Key {
	if m.signer == nil {
		return nil
	}

	return m.signer.Keys()
}

// Signer returns the zone signer.
func (m *Memory) Signer() *dnssec.Signer { return m.signer }

// Policy returns the update policy.
func (m *Memory) Policy() *update.Policy { return m.policy }

// Answer resolves q against the current snapshot.
func (m *Memory) Answer(ctx context.Context, q Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := m.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%s: %w", m.origin, ErrNotLoaded)
	}

	return resolve(snap, q), nil
}

// Update applies req. Secondary zones refuse updates.
func (m *Memory) Update(ctx context.Context, req *update.Request, tok update.Token) (*zone.Change, error) {
	if m.typ == config.ZoneSecondary {
		return nil, &zone.UpdateError{Rcode: dns.RcodeNotImplemented, Reason: "secondary zone"}
	}

	if !tok.Valid(m.origin) {
		return nil, &update.AuthError{Reason: "request not authorized for " + m.origin}
	}

	if req.Class != dns.ClassINET {
		return nil, &zone.UpdateError{Rcode: dns.RcodeNotAuth, Reason: "zone class " + dns.ClassToString[req.Class]}
	}

	store := m.store.Load()
	if store == nil {
		return nil, fmt.Errorf("%s: %w", m.origin, ErrNotLoaded)
	}

	var persist func(*zone.Change) error
	if m.persist != nil {
		persist = func(c *zone.Change) error { return m.persist(ctx, c) }
	}

	change, err := store.Update(req.Prereqs, req.Updates, persist)
	if err != nil {
		return nil, err
	}

	if change.Changed() {
		zlog.Info("Zone updated", "zone", m.origin, "serial", change.Serial, "signer", tok.Signer(), "sets", len(change.Sets))
	}

	return change, nil
}

// Refresh transfers the zone from the first primary that answers, when its
// serial is newer than ours. It does nothing for primary zones.
func (m *Memory) Refresh(ctx context.Context) error {
	if m.typ != config.ZoneSecondary {
		return nil
	}

	m.refresh.Lock()
	defer m.refresh.Unlock()

	var errs []error
	for _, primary := range m.primaries {
		if err := m.transfer(ctx, primary); err != nil {
			zlog.Warn("Zone transfer failed", "zone", m.origin, "primary", primary, "error", err.Error())
			errs = append(errs, err)
			continue
		}

		return nil
	}

	return errors.Join(errs...)
}

// Primary reports whether ip is the address of one of the primaries. Primaries
// given by name are resolved.
func (m *Memory) Primary(ctx context.Context, ip net.IP) bool {
	if ip == nil {
		return false
	}

	for _, primary := range m.primaries {
		host, _, err := net.SplitHostPort(primary)
		if err != nil {
			host = primary
		}

		if addr := net.ParseIP(host); addr != nil {
			if addr.Equal(ip) {
				return true
			}
			continue
		}

		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			zlog.Debug("Primary lookup failed", "zone", m.origin, "primary", host, "error", err.Error())
			continue
		}

		for _, addr := range addrs {
			if addr.IP.Equal(ip) {
				return true
			}
		}
	}

	return false
}

func hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "53")
	}

	return addr
}

func (m *Memory) transfer(ctx context.Context, primary string) error {
	addr := hostPort(primary)

	if snap := m.Snapshot(); snap != nil {
		serial, err := m.primarySerial(ctx, addr)
		if err != nil {
			return err
		}

		if !zone.SerialGreater(serial, snap.Serial()) {
			return nil
		}
	}

	t := &dns.Transfer{DialTimeout: m.timeout, ReadTimeout: m.timeout, WriteTimeout: m.timeout}

	req := new(dns.Msg)
	req.SetAxfr(m.origin)

	ch, err := t.In(req, addr)
	if err != nil {
		return err
	}

	var records []dns.RR
	for env := range ch {
		if env.Error != nil {
			return env.Error
		}
		records = append(records, env.RR...)
	}

	// the transfer ends with the SOA it started with
	if n := len(records); n > 1 {
		if _, ok := records[n-1].(*dns.SOA); ok {
			records = records[:n-1]
		}
	}

	store := m.store.Load()
	if store == nil {
		store, err = m.newStore(records)
		if err != nil {
			return err
		}
		m.store.Store(store)
	} else if _, err := store.Replace(m.prepare(records)); err != nil {
		return err
	}

	zlog.Info("Zone transferred", "zone", m.origin, "primary", primary, "serial", store.Snapshot().Serial(), "records", len(records))

	return nil
}

func (m *Memory) primarySerial(ctx context.Context, addr string) (uint32, error) {
	req := new(dns.Msg)
	req.SetQuestion(m.origin, dns.TypeSOA)

	c := &dns.Client{Net: "tcp", Timeout: m.timeout}

	resp, _, err := c.ExchangeContext(ctx, req, addr)
	if err != nil {
		return 0, err
	}

	for _, rr := range resp.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}

	return 0, fmt.Errorf("no SOA for %s from %s", m.origin, addr)
}

// Run refreshes a secondary zone at the SOA refresh interval, or the retry
// interval after a failure, until ctx is done.
func (m *Memory) Run(ctx context.Context) {
	if m.typ != config.ZoneSecondary {
		return
	}

	for {
		wait := time.Minute
		err := m.Refresh(ctx)
		if snap := m.Snapshot(); snap != nil {
			soa := snap.SOA()
			wait = time.Duration(soa.Refresh) * time.Second
			if err != nil {
				wait = time.Duration(soa.Retry) * time.Second
			}
		}
		wait = max(wait, 30*time.Second)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
