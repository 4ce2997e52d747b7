package authority

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/zone"
)

// primary serves SOA and AXFR for records, which must start with the SOA.
type primary struct {
	mu        sync.Mutex
	records   []dns.RR
	transfers int
}

func (p *primary) set(records []dns.RR) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = records
}

func (p *primary) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	p.mu.Lock()
	records := p.records
	if r.Question[0].Qtype == dns.TypeAXFR {
		p.transfers++
	}
	p.mu.Unlock()

	switch r.Question[0].Qtype {
	case dns.TypeAXFR:
		ch := make(chan *dns.Envelope, 1)
		ch <- &dns.Envelope{RR: append(append([]dns.RR{}, records...), records[0])}
		close(ch)

		tr := new(dns.Transfer)
		_ = tr.Out(w, r, ch)
	default:
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, records[0])
		_ = w.WriteMsg(m)
	}
}

func (p *primary) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.transfers
}

func soaFirst(t *testing.T, serial string) []dns.RR {
	t.Helper()

	records, err := zone.ParseRecords("example.com.", []string{
		"@ 3600 IN SOA ns1 hostmaster " + serial + " 7200 3600 1209600 300",
		"@ 3600 IN NS ns1",
		"ns1 3600 IN A 192.0.2.53",
		"www 3600 IN A 192.0.2.1",
	})
	require.NoError(t, err)

	return records
}

func Test_SecondaryRefresh(t *testing.T) {
	p := &primary{}
	p.set(soaFirst(t, "1"))

	addr := serve(t, "tcp", p.ServeDNS)

	m, err := NewMemory(Options{Origin: "example.com.", Type: config.ZoneSecondary, Primaries: []string{"127.0.0.1:1", addr}})
	require.NoError(t, err)

	_, err = m.Answer(context.Background(), Query{Name: "www.example.com.", Type: dns.TypeA})
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, m.Refresh(context.Background()))

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint32(1), snap.Serial())
	assert.Len(t, snap.Lookup("www.example.com.", dns.TypeA, dns.ClassINET), 1)
	assert.Equal(t, 1, p.count())

	// same serial, no transfer
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 1, p.count())

	p.set(append(soaFirst(t, "5"), mustRR(t, "www2.example.com. 3600 IN A 192.0.2.2")))
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, p.count())

	snap = m.Snapshot()
	assert.Equal(t, uint32(5), snap.Serial())
	assert.Len(t, snap.Lookup("www2.example.com.", dns.TypeA, dns.ClassINET), 1)
}

func Test_SecondaryRefreshFails(t *testing.T) {
	m, err := NewMemory(Options{Origin: "example.com.", Type: config.ZoneSecondary, Primaries: []string{"127.0.0.1:1"}})
	require.NoError(t, err)

	assert.Error(t, m.Refresh(context.Background()))
	assert.Nil(t, m.Snapshot())
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()

	rr, err := dns.NewRR(s)
	require.NoError(t, err)

	return rr
}

func Test_SecondaryPrimary(t *testing.T) {
	m, err := NewMemory(Options{
		Origin:    "example.com.",
		Type:      config.ZoneSecondary,
		Primaries: []string{"192.0.2.1:5353", "2001:db8::53", "localhost"},
	})
	require.NoError(t, err)

	ctx := context.Background()

	assert.True(t, m.Primary(ctx, net.ParseIP("192.0.2.1")))
	assert.True(t, m.Primary(ctx, net.ParseIP("2001:db8::53")))
	assert.True(t, m.Primary(ctx, net.ParseIP("127.0.0.1")))
	assert.False(t, m.Primary(ctx, net.ParseIP("192.0.2.2")))
	assert.False(t, m.Primary(ctx, nil))
}
