package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

const testZone = `$TTL 3600
@             IN SOA   ns1 hostmaster 1 7200 3600 1209600 300
@             IN NS    ns1
ns1           IN A     192.0.2.53
www           IN A     192.0.2.1
mail          IN MX    10 www
*.wild        IN TXT   "wild"
*.cname       IN CNAME www
sub           IN NS    ns.sub
ns.sub        IN A     192.0.2.10
host.deep.ent IN A     192.0.2.20
alias         IN CNAME www
ext           IN CNAME www.example.net.
`

func testRecords(t *testing.T) []dns.RR {
	t.Helper()

	records, err := zone.Parse(strings.NewReader(testZone), "example.com.", "test")
	require.NoError(t, err)

	return records
}

func testMemory(t *testing.T) *Memory {
	t.Helper()

	m, err := NewMemory(Options{Origin: "example.com.", Records: testRecords(t)})
	require.NoError(t, err)

	return m
}

func answer(t *testing.T, a Authority, name string, qtype uint16, do bool) *Response {
	t.Helper()

	r, err := a.Answer(context.Background(), Query{Name: name, Type: qtype, Class: dns.ClassINET, DO: do})
	require.NoError(t, err)

	return r
}

func names(rrs []dns.RR) []string {
	var out []string
	for _, rr := range rrs {
		out = append(out, rr.Header().Name+" "+dns.TypeToString[rr.Header().Rrtype])
	}

	return out
}

func Test_MemoryAnswer(t *testing.T) {
	m := testMemory(t)

	assert.Equal(t, "example.com.", m.Origin())
	assert.Equal(t, config.ZonePrimary, m.Type())
	assert.False(t, m.DNSSECEnabled())
	assert.Empty(t, m.SigningKeys())

	tests := []struct {
		name   string
		qname  string
		qtype  uint16
		do     bool
		kind   Kind
		rcode  int
		aa     bool
		answer []string
		ns     []string
		extra  []string
		proofs []dnssec.Denial
	}{
		{"exact", "www.example.com.", dns.TypeA, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"www.example.com. A"}, nil, nil, nil},
		{"case insensitive", "WWW.Example.COM.", dns.TypeA, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"www.example.com. A"}, nil, nil, nil},
		{"nxdomain", "missing.example.com.", dns.TypeA, false, KindNXDomain, dns.RcodeNameError, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.NameError}},
		{"nodata", "www.example.com.", dns.TypeAAAA, false, KindNoData, dns.RcodeSuccess, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.NoData}},
		{"empty non-terminal", "deep.ent.example.com.", dns.TypeA, false, KindNoData, dns.RcodeSuccess, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.NoData}},
		{"wildcard", "foo.wild.example.com.", dns.TypeTXT, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"foo.wild.example.com. TXT"}, nil, nil, []dnssec.Denial{dnssec.WildcardAnswer}},
		{"wildcard one level", "a.b.wild.example.com.", dns.TypeTXT, false, KindNXDomain, dns.RcodeNameError, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.NameError}},
		{"wildcard nodata", "foo.wild.example.com.", dns.TypeA, false, KindNoData, dns.RcodeSuccess, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.WildcardNoData}},
		{"wildcard cname", "foo.cname.example.com.", dns.TypeA, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"foo.cname.example.com. CNAME", "www.example.com. A"}, nil, nil, []dnssec.Denial{dnssec.WildcardAnswer}},
		{"referral", "host.sub.example.com.", dns.TypeA, false, KindReferral, dns.RcodeSuccess, false,
			nil, []string{"sub.example.com. NS"}, []string{"ns.sub.example.com. A"}, nil},
		{"referral at cut", "sub.example.com.", dns.TypeNS, false, KindReferral, dns.RcodeSuccess, false,
			nil, []string{"sub.example.com. NS"}, []string{"ns.sub.example.com. A"}, nil},
		{"referral without ds", "host.sub.example.com.", dns.TypeA, true, KindReferral, dns.RcodeSuccess, false,
			nil, []string{"sub.example.com. NS"}, []string{"ns.sub.example.com. A"}, []dnssec.Denial{dnssec.NoData}},
		{"ds at cut", "sub.example.com.", dns.TypeDS, true, KindNoData, dns.RcodeSuccess, true,
			nil, []string{"example.com. SOA"}, nil, []dnssec.Denial{dnssec.NoData}},
		{"cname chase", "alias.example.com.", dns.TypeA, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"alias.example.com. CNAME", "www.example.com. A"}, nil, nil, nil},
		{"cname query", "alias.example.com.", dns.TypeCNAME, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"alias.example.com. CNAME"}, nil, nil, nil},
		{"additional", "mail.example.com.", dns.TypeMX, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"mail.example.com. MX"}, nil, []string{"www.example.com. A"}, nil},
		{"apex ns", "example.com.", dns.TypeNS, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"example.com. NS"}, nil, []string{"ns1.example.com. A"}, nil},
		{"any", "www.example.com.", dns.TypeANY, false, KindAnswer, dns.RcodeSuccess, true,
			[]string{"www.example.com. A"}, nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := answer(t, m, tt.qname, tt.qtype, tt.do)

			assert.Equal(t, tt.kind, r.Kind, r.Kind.String())
			assert.Equal(t, tt.rcode, r.Rcode)
			assert.Equal(t, tt.aa, r.Authoritative)
			assert.Equal(t, tt.answer, names(r.Answer))
			assert.Equal(t, tt.ns, names(r.Ns))
			assert.Equal(t, tt.extra, names(r.Extra))

			var proofs []dnssec.Denial
			for _, p := range r.Proofs {
				proofs = append(proofs, p.Denial)
			}
			assert.Equal(t, tt.proofs, proofs)
		})
	}
}

func Test_NegativeSOATTL(t *testing.T) {
	r := answer(t, testMemory(t), "missing.example.com.", dns.TypeA, false)

	require.Len(t, r.Ns, 1)
	assert.Equal(t, uint32(300), r.Ns[0].Header().Ttl)
	assert.Equal(t, uint32(1), r.Ns[0].(*dns.SOA).Serial)
}

func Test_WildcardSynth(t *testing.T) {
	r := answer(t, testMemory(t), "Foo.wild.example.com.", dns.TypeTXT, true)

	assert.Equal(t, "*.wild.example.com.", r.Synth["foo.wild.example.com."])
	require.Len(t, r.Proofs, 1)
	assert.Equal(t, "*.wild.example.com.", r.Proofs[0].Wildcard)
}

func Test_WildcardAtCut(t *testing.T) {
	records, err := zone.ParseRecords("example.com.", []string{
		"@ 3600 IN SOA ns1 hostmaster 1 7200 3600 1209600 300",
		"@ 3600 IN NS ns1",
		"ns1 3600 IN A 192.0.2.53",
		"* 3600 IN A 192.0.2.99",
		"sub 3600 IN NS ns.sub",
		"ns.sub 3600 IN A 192.0.2.10",
		"*.sub 3600 IN A 192.0.2.98",
	})
	require.NoError(t, err)

	m, err := NewMemory(Options{Origin: "example.com.", Records: records})
	require.NoError(t, err)

	r := answer(t, m, "other.example.com.", dns.TypeA, false)
	assert.Equal(t, KindAnswer, r.Kind)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "other.example.com.", r.Answer[0].Header().Name)
	assert.Equal(t, "192.0.2.99", r.Answer[0].(*dns.A).A.String())

	for _, name := range []string{"sub.example.com.", "x.sub.example.com.", "y.x.sub.example.com."} {
		t.Run(name, func(t *testing.T) {
			r := answer(t, m, name, dns.TypeA, false)

			assert.Equal(t, KindReferral, r.Kind)
			assert.False(t, r.Authoritative)
			assert.Empty(t, r.Answer)
			assert.Empty(t, r.Synth)
			assert.Equal(t, []string{"sub.example.com. NS"}, names(r.Ns))
			assert.Equal(t, []string{"ns.sub.example.com. A"}, names(r.Extra))
		})
	}
}

func Test_ChaseOutOfZone(t *testing.T) {
	r := answer(t, testMemory(t), "ext.example.com.", dns.TypeA, false)

	assert.Equal(t, "www.example.net.", r.Chase)
	assert.Equal(t, 1, r.Hops)
	assert.Equal(t, []string{"ext.example.com. CNAME"}, names(r.Answer))
}

func Test_ChaseLimit(t *testing.T) {
	lines := []string{
		"@ 3600 IN SOA ns1 hostmaster 1 7200 3600 1209600 300",
		"@ 3600 IN NS ns1",
		"ns1 3600 IN A 192.0.2.53",
		"c10 3600 IN A 192.0.2.1",
	}
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("c%d 3600 IN CNAME c%d", i, i+1))
	}

	records, err := zone.ParseRecords("example.com.", lines)
	require.NoError(t, err)

	m, err := NewMemory(Options{Origin: "example.com.", Records: records})
	require.NoError(t, err)

	r, err := m.Answer(context.Background(), Query{Name: "c0.example.com.", Type: dns.TypeA, Class: dns.ClassINET})
	require.NoError(t, err)
	assert.Len(t, r.Answer, DefaultMaxChain)
	assert.Equal(t, DefaultMaxChain, r.Hops)

	r, err = m.Answer(context.Background(), Query{Name: "c0.example.com.", Type: dns.TypeA, Class: dns.ClassINET, Hops: 6})
	require.NoError(t, err)
	assert.Len(t, r.Answer, 2)

	r, err = m.Answer(context.Background(), Query{Name: "c5.example.com.", Type: dns.TypeA, Class: dns.ClassINET})
	require.NoError(t, err)
	assert.Len(t, r.Answer, 6)
	assert.Equal(t, dns.TypeA, r.Answer[5].Header().Rrtype)
}

func Test_AnswerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testMemory(t).Answer(ctx, Query{Name: "www.example.com.", Type: dns.TypeA})
	assert.ErrorIs(t, err, context.Canceled)
}

// authorize returns an update request for zone signed with an allowed TSIG key.
func authorize(t *testing.T, m *dns.Msg) (*update.Request, update.Token) {
	t.Helper()

	policy, err := update.NewPolicy(nil, []string{"key.example.com."}, nil)
	require.NoError(t, err)

	m.SetTsig("key.example.com.", dns.HmacSHA256, 300, time.Now().Unix())

	req, err := update.ParseRequest(m, nil)
	require.NoError(t, err)

	tok, err := update.NewAuthorizer().Authorize(context.Background(), req, update.Peer{}, policy)
	require.NoError(t, err)

	return req, tok
}

func insert(t *testing.T, origin string, rrs ...string) *dns.Msg {
	t.Helper()

	m := new(dns.Msg)
	m.SetUpdate(origin)

	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		m.Insert([]dns.RR{rr})
	}

	return m
}

func Test_MemoryUpdate(t *testing.T) {
	m := testMemory(t)

	req, tok := authorize(t, insert(t, "example.com.", "www2.example.com. 300 IN A 192.0.2.2"))

	change, err := m.Update(context.Background(), req, tok)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), change.Serial)

	r := answer(t, m, "www2.example.com.", dns.TypeA, false)
	assert.Equal(t, []string{"www2.example.com. A"}, names(r.Answer))

	// a token for another zone is refused
	other, otherTok := authorize(t, insert(t, "example.net.", "www.example.net. 300 IN A 192.0.2.2"))
	_, err = m.Update(context.Background(), other, otherTok)

	var aerr *update.AuthError
	assert.True(t, errors.As(err, &aerr))

	_, err = m.Update(context.Background(), req, update.Token{})
	assert.True(t, errors.As(err, &aerr))
}

func Test_SecondaryRefusesUpdate(t *testing.T) {
	m, err := NewMemory(Options{Origin: "example.com.", Type: config.ZoneSecondary, Records: testRecords(t)})
	require.NoError(t, err)

	req, tok := authorize(t, insert(t, "example.com.", "www2.example.com. 300 IN A 192.0.2.2"))

	_, err = m.Update(context.Background(), req, tok)

	var uerr *zone.UpdateError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, dns.RcodeNotImplemented, uerr.Rcode)
}

func Test_SignedMemory(t *testing.T) {
	k, err := dnssec.GenerateKey("example.com.", dns.ECDSAP256SHA256, true, 3600)
	require.NoError(t, err)

	signer, err := dnssec.NewSigner("example.com.", []*dnssec.Key{k}, dnssec.Options{})
	require.NoError(t, err)

	stale, err := dns.NewRR("example.com. 3600 IN NSEC www.example.com. A")
	require.NoError(t, err)

	m, err := NewMemory(Options{Origin: "example.com.", Records: append(testRecords(t), stale), Signer: signer})
	require.NoError(t, err)

	assert.True(t, m.DNSSECEnabled())
	assert.Len(t, m.SigningKeys(), 1)

	r := answer(t, m, "example.com.", dns.TypeDNSKEY, true)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, k.Tag(), r.Answer[0].(*dns.DNSKEY).KeyTag())

	r = answer(t, m, "example.com.", dns.TypeNSEC, true)
	assert.Empty(t, r.Answer)

	// DNSSEC records of a signed zone are not updatable
	req, tok := authorize(t, insert(t, "example.com.", "example.com. 3600 IN NSEC www.example.com. A"))
	_, err = m.Update(context.Background(), req, tok)

	var uerr *zone.UpdateError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, dns.RcodeRefused, uerr.Rcode)
}

func Test_SignedMixedTTL(t *testing.T) {
	k, err := dnssec.GenerateKey("example.com.", dns.ECDSAP256SHA256, true, 3600)
	require.NoError(t, err)

	signer, err := dnssec.NewSigner("example.com.", []*dnssec.Key{k}, dnssec.Options{})
	require.NoError(t, err)

	records := testRecords(t)
	for _, s := range []string{"multi.example.com. 3600 IN A 192.0.2.1", "multi.example.com. 120 IN A 192.0.2.2"} {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		records = append(records, rr)
	}

	m, err := NewMemory(Options{Origin: "example.com.", Records: records, Signer: signer})
	require.NoError(t, err)

	r := answer(t, m, "multi.example.com.", dns.TypeA, true)
	require.Len(t, r.Answer, 2)
	for _, rr := range r.Answer {
		assert.Equal(t, uint32(120), rr.Header().Ttl)
	}

	signed, err := signer.SignRecords(r.Snapshot, r.Answer, r.Synth)
	require.NoError(t, err)

	var (
		set []dns.RR
		sig *dns.RRSIG
	)
	for _, rr := range signed {
		if s, ok := rr.(*dns.RRSIG); ok {
			sig = s
			continue
		}
		set = append(set, rr)
	}

	require.NotNil(t, sig)
	assert.Equal(t, uint32(120), sig.OrigTtl)
	assert.NoError(t, sig.Verify(k.DNSKEY, set))
}
