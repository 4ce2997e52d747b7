// Package cache provides the bounded hash-keyed caches used by the server.
package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// Key generates a cache key for a question. Names are compared case-insensitively.
func Key(q dns.Question, do bool) uint64 {
	return KeyString(q.Name, q.Qtype, q.Qclass, do)
}

// KeyString is Key for a name, type and class given separately.
func KeyString(qname string, qtype, qclass uint16, do bool) uint64 {
	buf := make([]byte, 0, 5+len(qname))

	buf = binary.BigEndian.AppendUint16(buf, qclass)
	buf = binary.BigEndian.AppendUint16(buf, qtype)

	if do {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendLower(buf, qname)

	return xxhash.Sum64(buf)
}

// SetKey generates a key for data derived from one RRSet of one zone version.
func SetKey(version uint64, owner string, rrtype uint16, ttl uint32) uint64 {
	h := xxhash.New()

	var buf [14]byte
	binary.BigEndian.PutUint64(buf[:8], version)
	binary.BigEndian.PutUint16(buf[8:10], rrtype)
	binary.BigEndian.PutUint32(buf[10:], ttl)
	_, _ = h.Write(buf[:])
	_, _ = h.Write(appendLower(nil, owner))

	return h.Sum64()
}

func appendLower(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return buf
}
