package dnssec

import "errors"

var (
	// ErrNoKeys is returned when a set must be signed but no key applies.
	ErrNoKeys = errors.New("no signing keys")

	// ErrAlgorithm is returned for keys with an algorithm the signer cannot use.
	ErrAlgorithm = errors.New("unsupported dnssec algorithm")

	// ErrKeyFlags is returned for keys without the zone key flag or with the revoke flag.
	ErrKeyFlags = errors.New("dnskey is not a usable zone key")

	// ErrKeyProtocol is returned for keys with a protocol other than 3.
	ErrKeyProtocol = errors.New("dnskey protocol must be 3")

	// ErrKeyOwner is returned when a key is loaded for a zone it does not belong to.
	ErrKeyOwner = errors.New("dnskey owner does not match zone")

	// ErrEmptyRRSet is returned when signing an empty set.
	ErrEmptyRRSet = errors.New("empty rrset")

	// ErrPrivateKey is returned when the private key cannot produce signatures.
	ErrPrivateKey = errors.New("private key is not a signer")
)
