// Package dnssec implements online signing of zone data and authenticated
// denial of existence with NSEC and NSEC3.
package dnssec

import (
	"crypto"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
)

// Key is a zone signing key: the public DNSKEY and its private half.
type Key struct {
	DNSKEY *dns.DNSKEY
	Signer crypto.Signer
}

var keyBits = map[uint8]int{
	dns.RSASHA256:       2048,
	dns.RSASHA512:       2048,
	dns.ECDSAP256SHA256: 256,
	dns.ECDSAP384SHA384: 384,
	dns.ED25519:         256,
}

// Supported reports whether alg can be used for signing.
func Supported(alg uint8) bool {
	_, ok := keyBits[alg]
	return ok
}

// NewKey checks that k is usable as a zone key and pairs it with priv.
func NewKey(k *dns.DNSKEY, priv crypto.PrivateKey) (*Key, error) {
	if k.Flags&dns.ZONE == 0 || k.Flags&dns.REVOKE != 0 {
		return nil, fmt.Errorf("%w: %s flags %d", ErrKeyFlags, k.Hdr.Name, k.Flags)
	}

	if k.Protocol != 3 {
		return nil, fmt.Errorf("%w: %s", ErrKeyProtocol, k.Hdr.Name)
	}

	if !Supported(k.Algorithm) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithm, dns.AlgorithmToString[k.Algorithm])
	}

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, ErrPrivateKey
	}

	k = dns.Copy(k).(*dns.DNSKEY)
	k.Hdr.Name = strings.ToLower(dns.Fqdn(k.Hdr.Name))

	return &Key{DNSKEY: k, Signer: signer}, nil
}

// KSK reports whether the key has the secure entry point flag.
func (k *Key) KSK() bool { return k.DNSKEY.Flags&dns.SEP != 0 }

// Tag returns the key tag.
func (k *Key) Tag() uint16 { return k.DNSKEY.KeyTag() }

// Algorithm returns the key algorithm.
func (k *Key) Algorithm() uint8 { return k.DNSKEY.Algorithm }

// DS returns the delegation signer record to publish in the parent zone.
func (k *Key) DS(digest uint8) *dns.DS { return k.DNSKEY.ToDS(digest) }

// FileBase returns the BIND style base name K<zone>+<alg>+<tag>.
func (k *Key) FileBase() string {
	return fmt.Sprintf("K%s+%03d+%05d", k.DNSKEY.Hdr.Name, k.DNSKEY.Algorithm, k.Tag())
}

// LoadKey reads base.key and base.private, as written by dnssec-keygen or WriteFiles.
func LoadKey(base string) (*Key, error) {
	base = strings.TrimSuffix(strings.TrimSuffix(base, ".key"), ".private")

	pub, err := os.ReadFile(base + ".key")
	if err != nil {
		return nil, err
	}

	var dnskey *dns.DNSKEY
	zp := dns.NewZoneParser(strings.NewReader(string(pub)), "", base+".key")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if k, isKey := rr.(*dns.DNSKEY); isKey {
			dnskey = k
			break
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("read %s.key: %w", base, err)
	}
	if dnskey == nil {
		return nil, fmt.Errorf("read %s.key: no DNSKEY record", base)
	}

	f, err := os.Open(base + ".private")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	priv, err := dnskey.ReadPrivateKey(f, base+".private")
	if err != nil {
		return nil, fmt.Errorf("read %s.private: %w", base, err)
	}

	return NewKey(dnskey, priv)
}

// LoadZoneKeys loads the keys at paths and checks that they belong to zone.
// Relative paths are resolved against dir.
func LoadZoneKeys(zone, dir string, paths []string) ([]*Key, error) {
	zone = strings.ToLower(dns.Fqdn(zone))

	keys := make([]*Key, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}

		k, err := LoadKey(p)
		if err != nil {
			return nil, err
		}

		if k.DNSKEY.Hdr.Name != zone {
			return nil, fmt.Errorf("%w: %s for %s", ErrKeyOwner, k.DNSKEY.Hdr.Name, zone)
		}

		keys = append(keys, k)
	}

	return keys, nil
}

// GenerateKey creates a new key for zone. A KSK gets the SEP flag.
func GenerateKey(zone string, alg uint8, ksk bool, ttl uint32) (*Key, error) {
	bits, ok := keyBits[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAlgorithm, alg)
	}

	k := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: strings.ToLower(dns.Fqdn(zone)), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: ttl},
		Flags:     dns.ZONE,
		Protocol:  3,
		Algorithm: alg,
	}
	if ksk {
		k.Flags |= dns.SEP
	}

	priv, err := k.Generate(bits)
	if err != nil {
		return nil, err
	}

	return NewKey(k, priv)
}

// WriteFiles writes the key pair into dir and returns the file base path.
func (k *Key) WriteFiles(dir string) (string, error) {
	base := filepath.Join(dir, k.FileBase())

	if err := os.WriteFile(base+".key", []byte(k.DNSKEY.String()+"\n"), 0o644); err != nil {
		return "", err
	}

	if err := os.WriteFile(base+".private", []byte(k.DNSKEY.PrivateKeyString(k.Signer)), 0o600); err != nil {
		return "", err
	}

	return base, nil
}
