package cache

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	assert.Equal(t, Key(q, false), Key(q, false))
	assert.Equal(t, Key(q, false), Key(dns.Question{Name: "EXAMPLE.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, false))
	assert.Equal(t, Key(q, true), KeyString("example.com.", dns.TypeA, dns.ClassINET, true))

	keys := map[uint64]string{}
	for name, k := range map[string]uint64{
		"base":   Key(q, false),
		"do":     Key(q, true),
		"type":   KeyString("example.com.", dns.TypeAAAA, dns.ClassINET, false),
		"class":  KeyString("example.com.", dns.TypeA, dns.ClassCHAOS, false),
		"name":   KeyString("www.example.com.", dns.TypeA, dns.ClassINET, false),
		"suffix": KeyString("example.com", dns.TypeA, dns.ClassINET, false),
	} {
		other, dup := keys[k]
		assert.False(t, dup, "%s collides with %s", name, other)
		keys[k] = name
	}
}

func TestSetKey(t *testing.T) {
	k := SetKey(1, "www.example.com.", dns.TypeA, 3600)

	assert.Equal(t, k, SetKey(1, "WWW.example.com.", dns.TypeA, 3600))
	assert.NotEqual(t, k, SetKey(2, "www.example.com.", dns.TypeA, 3600))
	assert.NotEqual(t, k, SetKey(1, "www.example.com.", dns.TypeAAAA, 3600))
	assert.NotEqual(t, k, SetKey(1, "www.example.com.", dns.TypeA, 300))
}

func BenchmarkKey(b *testing.B) {
	q := dns.Question{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	for n := 0; n < b.N; n++ {
		Key(q, n%2 == 0)
	}
}
