package dnssec

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/cache"
	"github.com/semihalev/authdns/zone"
)

// Sign signs rrset with every applicable key and returns one RRSIG per key.
// The set is copied, owner names are lowercased and every TTL is set to the
// smallest TTL of the set before signing. The DNSKEY set is signed with the
// key signing keys and all other sets with the zone signing keys; when only
// one kind of key exists it signs everything.
func Sign(rrset []dns.RR, keys []*Key, signer string, inception, expiration time.Time) ([]*dns.RRSIG, error) {
	if len(rrset) == 0 {
		return nil, ErrEmptyRRSet
	}

	set := zone.RRSet(rrset).Copy()
	ttl := set.TTL()
	for _, rr := range set {
		h := rr.Header()
		h.Name = strings.ToLower(h.Name)
		h.Ttl = ttl
	}

	h0 := set[0].Header()

	selected := selectKeys(keys, h0.Rrtype)
	if len(selected) == 0 {
		return nil, ErrNoKeys
	}

	sigs := make([]*dns.RRSIG, 0, len(selected))
	for _, k := range selected {
		sig := &dns.RRSIG{
			Hdr:         dns.RR_Header{Name: h0.Name, Rrtype: dns.TypeRRSIG, Class: h0.Class, Ttl: ttl},
			TypeCovered: h0.Rrtype,
			Algorithm:   k.Algorithm(),
			OrigTtl:     ttl,
			Inception:   uint32(inception.Unix()),
			Expiration:  uint32(expiration.Unix()),
			KeyTag:      k.Tag(),
			SignerName:  strings.ToLower(dns.Fqdn(signer)),
		}

		// Sign sorts the set into canonical order and handles wildcard owners.
		if err := sig.Sign(k.Signer, set); err != nil {
			return nil, fmt.Errorf("sign %s %s with key %d: %w", h0.Name, dns.TypeToString[h0.Rrtype], k.Tag(), err)
		}

		sigs = append(sigs, sig)
	}

	return sigs, nil
}

func selectKeys(keys []*Key, rrtype uint16) []*Key {
	var ksk, zsk []*Key
	for _, k := range keys {
		if k.KSK() {
			ksk = append(ksk, k)
		} else {
			zsk = append(zsk, k)
		}
	}

	if rrtype == dns.TypeDNSKEY && len(ksk) > 0 || len(zsk) == 0 {
		return ksk
	}

	return zsk
}

// Options configures a Signer.
type Options struct {
	Validity        time.Duration
	InceptionOffset time.Duration

	// Cache holds signatures between queries; nil disables caching.
	Cache *cache.Cache

	NSEC3      bool
	Salt       string
	Iterations uint16
}

// Signer signs the responses of one zone.
type Signer struct {
	zone string
	keys []*Key
	opts Options

	now func() time.Time
}

type cachedSigs struct {
	sigs    []*dns.RRSIG
	refresh time.Time
}

// NewSigner returns a signer for zone.
func NewSigner(zoneName string, keys []*Key, opts Options) (*Signer, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	if opts.Validity <= 0 {
		opts.Validity = 7 * 24 * time.Hour
	}

	if opts.Salt == "-" {
		opts.Salt = ""
	}
	opts.Salt = strings.ToUpper(opts.Salt)

	return &Signer{
		zone: strings.ToLower(dns.Fqdn(zoneName)),
		keys: keys,
		opts: opts,
		now:  time.Now,
	}, nil
}

// Zone returns the signer name.
func (s *Signer) Zone() string { return s.zone }

// Keys returns the signing keys.
func (s *Signer) Keys() []*Key {
	out := make([]*Key, len(s.keys))
	copy(out, s.keys)

	return out
}

// NSEC3 reports whether denial of existence uses NSEC3.
func (s *Signer) NSEC3() bool { return s.opts.NSEC3 }

// ApexRecords returns the records the signer publishes at the zone apex: the
// DNSKEY set and, for NSEC3 zones, the NSEC3PARAM record.
func (s *Signer) ApexRecords(ttl uint32) []dns.RR {
	var out []dns.RR
	for _, k := range s.keys {
		rr := dns.Copy(k.DNSKEY).(*dns.DNSKEY)
		rr.Hdr.Name = s.zone
		rr.Hdr.Ttl = ttl
		out = append(out, rr)
	}

	if s.opts.NSEC3 {
		out = append(out, &dns.NSEC3PARAM{
			Hdr:        dns.RR_Header{Name: s.zone, Rrtype: dns.TypeNSEC3PARAM, Class: dns.ClassINET, Ttl: ttl},
			Hash:       dns.SHA1,
			Iterations: s.opts.Iterations,
			SaltLength: uint8(len(s.opts.Salt) / 2),
			Salt:       s.opts.Salt,
		})
	}

	return out
}

// SignSet returns signatures over rrset, reusing earlier signatures made for
// the same zone version until they come close to expiry.
func (s *Signer) SignSet(version uint64, rrset []dns.RR) ([]*dns.RRSIG, error) {
	if len(rrset) == 0 {
		return nil, ErrEmptyRRSet
	}

	h := rrset[0].Header()
	ttl := zone.RRSet(rrset).TTL()
	now := s.now()

	var key uint64
	if s.opts.Cache != nil {
		key = cache.SetKey(version, h.Name, h.Rrtype, ttl)
		if v, ok := s.opts.Cache.Get(key); ok {
			if c := v.(*cachedSigs); now.Before(c.refresh) {
				return copySigs(c.sigs), nil
			}
		}
	}

	expiration := now.Add(s.opts.Validity)
	sigs, err := Sign(rrset, s.keys, s.zone, now.Add(-s.opts.InceptionOffset), expiration)
	if err != nil {
		return nil, err
	}

	if s.opts.Cache != nil {
		s.opts.Cache.Add(key, &cachedSigs{sigs: sigs, refresh: expiration.Add(-s.opts.Validity / 4)})
	}

	return copySigs(sigs), nil
}

func copySigs(sigs []*dns.RRSIG) []*dns.RRSIG {
	out := make([]*dns.RRSIG, len(sigs))
	for i, sig := range sigs {
		out[i] = dns.Copy(sig).(*dns.RRSIG)
	}

	return out
}

// SignRecords groups consecutive records of the same owner and type into sets
// and returns the records with the signatures of each set following it.
// Sets that are not authoritative data of the zone, the NS set at a zone cut
// and everything below one, are passed through unsigned. synth maps owners of
// wildcard synthesized sets to the wildcard owner they were expanded from;
// such sets are signed under the wildcard owner and the signatures are renamed
// to the query name.
func (s *Signer) SignRecords(snap *zone.Snapshot, rrs []dns.RR, synth map[string]string) ([]dns.RR, error) {
	if len(rrs) == 0 {
		return rrs, nil
	}

	out := make([]dns.RR, 0, len(rrs)*2)
	for i := 0; i < len(rrs); {
		h0 := rrs[i].Header()
		last := i
		for last+1 < len(rrs) {
			h := rrs[last+1].Header()
			if strings.EqualFold(h.Name, h0.Name) && h.Rrtype == h0.Rrtype {
				last++
			} else {
				break
			}
		}

		set := rrs[i : last+1]
		out = append(out, set...)
		i = last + 1

		if h0.Rrtype == dns.TypeRRSIG || !s.authoritative(snap, h0.Name, h0.Rrtype) {
			continue
		}

		owner := h0.Name
		wildcard, synthesized := synth[strings.ToLower(owner)]
		if synthesized {
			set = zone.RRSet(set).Rename(wildcard)
		}

		sigs, err := s.SignSet(snap.ID(), set)
		if err != nil {
			return nil, err
		}

		for _, sig := range sigs {
			if synthesized {
				sig.Hdr.Name = owner
			}
			out = append(out, sig)
		}
	}

	return out, nil
}

func (s *Signer) authoritative(snap *zone.Snapshot, name string, rrtype uint16) bool {
	if !zone.InZone(s.zone, name) {
		return false
	}

	if rrtype == dns.TypeNSEC3 {
		return true
	}

	cut := snap.Delegation(name)
	if cut == nil {
		return true
	}

	if !strings.EqualFold(cut.Name(), name) {
		return false
	}

	return rrtype == dns.TypeDS || rrtype == dns.TypeNSEC
}
