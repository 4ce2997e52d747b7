package update

import (
	"context"
	"crypto"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/zone"
)

func testKey(t *testing.T, name string) (*dns.KEY, crypto.Signer) {
	t.Helper()

	k := &dns.KEY{DNSKEY: dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: name, Rrtype: dns.TypeKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     dns.ZONE,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}}

	priv, err := k.Generate(256)
	require.NoError(t, err)

	return k, priv.(crypto.Signer)
}

func testUpdate(t *testing.T) *dns.Msg {
	t.Helper()

	m := new(dns.Msg)
	m.SetUpdate("example.com.")

	rr, err := dns.NewRR("www2.example.com. 300 IN A 192.0.2.2")
	require.NoError(t, err)
	m.Insert([]dns.RR{rr})

	return m
}

func sign(t *testing.T, m *dns.Msg, k *dns.KEY, priv crypto.Signer, inception, expiration time.Time) (*dns.Msg, []byte) {
	t.Helper()

	sig := &dns.SIG{RRSIG: dns.RRSIG{
		Algorithm:  k.Algorithm,
		KeyTag:     k.KeyTag(),
		SignerName: k.Hdr.Name,
		Inception:  uint32(inception.Unix()),
		Expiration: uint32(expiration.Unix()),
	}}

	wire, err := sig.Sign(priv, m)
	require.NoError(t, err)

	out := new(dns.Msg)
	require.NoError(t, out.Unpack(wire))

	return out, wire
}

func Test_ParseRequest(t *testing.T) {
	m := testUpdate(t)

	req, err := ParseRequest(m, nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com.", req.Zone)
	assert.Len(t, req.Updates, 1)
	assert.Empty(t, req.Prereqs)

	tests := []struct {
		name   string
		modify func(*dns.Msg)
	}{
		{"opcode", func(m *dns.Msg) { m.Opcode = dns.OpcodeQuery }},
		{"no zone", func(m *dns.Msg) { m.Question = nil }},
		{"two zones", func(m *dns.Msg) { m.Question = append(m.Question, m.Question[0]) }},
		{"zone type", func(m *dns.Msg) { m.Question[0].Qtype = dns.TypeA }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testUpdate(t)
			tt.modify(m)

			_, err := ParseRequest(m, nil)

			var uerr *zone.UpdateError
			require.True(t, errors.As(err, &uerr))
			assert.Equal(t, dns.RcodeFormatError, uerr.Rcode)
		})
	}
}

func Test_AuthorizeSIG0(t *testing.T) {
	k, priv := testKey(t, "update.example.com.")
	other, otherPriv := testKey(t, "update.example.com.")

	policy, err := NewPolicy([]string{k.String()}, nil, nil)
	require.NoError(t, err)
	require.True(t, policy.Enabled())

	a := NewAuthorizer()
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		m, wire := sign(t, testUpdate(t), k, priv, now.Add(-time.Minute), now.Add(5*time.Minute))

		req, err := ParseRequest(m, wire)
		require.NoError(t, err)

		tok, err := a.Authorize(context.Background(), req, Peer{}, policy)
		require.NoError(t, err)
		assert.True(t, tok.Valid("EXAMPLE.com."))
		assert.False(t, tok.Valid("example.net."))
		assert.Equal(t, "sig0", tok.Method())
		assert.Equal(t, "update.example.com.", tok.Signer())
	})

	t.Run("repacked", func(t *testing.T) {
		m, _ := sign(t, testUpdate(t), k, priv, now.Add(-time.Minute), now.Add(5*time.Minute))

		req, err := ParseRequest(m, nil)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, policy)
		require.NoError(t, err)
	})

	t.Run("tampered", func(t *testing.T) {
		m, _ := sign(t, testUpdate(t), k, priv, now.Add(-time.Minute), now.Add(5*time.Minute))
		m.Ns[0].(*dns.A).A = net.ParseIP("192.0.2.99")

		req, err := ParseRequest(m, nil)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, policy)

		var aerr *AuthError
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, "bad signature", aerr.Reason)
	})

	t.Run("untrusted key", func(t *testing.T) {
		m, wire := sign(t, testUpdate(t), other, otherPriv, now.Add(-time.Minute), now.Add(5*time.Minute))

		req, err := ParseRequest(m, wire)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, policy)

		var aerr *AuthError
		assert.True(t, errors.As(err, &aerr))
	})

	t.Run("expired", func(t *testing.T) {
		m, wire := sign(t, testUpdate(t), k, priv, now.Add(-time.Hour), now.Add(-30*time.Minute))

		req, err := ParseRequest(m, wire)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, policy)
		assert.ErrorIs(t, err, dns.ErrTime)
	})

	t.Run("unsigned", func(t *testing.T) {
		req, err := ParseRequest(testUpdate(t), nil)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, policy)

		var aerr *AuthError
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, "request is not signed", aerr.Reason)
	})

	t.Run("not allowed", func(t *testing.T) {
		req, err := ParseRequest(testUpdate(t), nil)
		require.NoError(t, err)

		_, err = a.Authorize(context.Background(), req, Peer{}, &Policy{})

		var aerr *AuthError
		assert.True(t, errors.As(err, &aerr))
	})
}

func Test_AuthorizeDNSKEYPolicy(t *testing.T) {
	k, priv := testKey(t, "example.com.")

	dnskey := dns.Copy(&k.DNSKEY).(*dns.DNSKEY)
	dnskey.Hdr.Rrtype = dns.TypeDNSKEY

	policy, err := NewPolicy([]string{dnskey.String()}, nil, nil)
	require.NoError(t, err)

	m, wire := sign(t, testUpdate(t), k, priv, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))

	req, err := ParseRequest(m, wire)
	require.NoError(t, err)

	_, err = NewAuthorizer().Authorize(context.Background(), req, Peer{}, policy)
	assert.NoError(t, err)
}

func Test_AuthorizeTSIG(t *testing.T) {
	policy, err := NewPolicy(nil, []string{"Tsig.Example.com"}, nil)
	require.NoError(t, err)

	a := NewAuthorizer()

	newReq := func(key string) *Request {
		m := testUpdate(t)
		m.SetTsig(key, dns.HmacSHA256, 300, time.Now().Unix())

		req, err := ParseRequest(m, nil)
		require.NoError(t, err)

		return req
	}

	tok, err := a.Authorize(context.Background(), newReq("tsig.example.com."), Peer{}, policy)
	require.NoError(t, err)
	assert.Equal(t, "tsig", tok.Method())
	assert.True(t, tok.Valid("example.com."))

	_, err = a.Authorize(context.Background(), newReq("tsig.example.com."), Peer{TsigStatus: dns.ErrSig}, policy)
	assert.ErrorIs(t, err, dns.ErrSig)

	_, err = a.Authorize(context.Background(), newReq("other.example.com."), Peer{}, policy)

	var aerr *AuthError
	assert.True(t, errors.As(err, &aerr))
}

func Test_AuthorizeNetworks(t *testing.T) {
	policy, err := NewPolicy(nil, []string{"tsig.example.com."}, []string{"10.0.0.0/8"})
	require.NoError(t, err)

	m := testUpdate(t)
	m.SetTsig("tsig.example.com.", dns.HmacSHA256, 300, time.Now().Unix())

	req, err := ParseRequest(m, nil)
	require.NoError(t, err)

	a := NewAuthorizer()

	_, err = a.Authorize(context.Background(), req, Peer{IP: net.ParseIP("192.0.2.1")}, policy)

	var aerr *AuthError
	assert.True(t, errors.As(err, &aerr))

	_, err = a.Authorize(context.Background(), req, Peer{IP: net.ParseIP("10.1.2.3")}, policy)
	assert.NoError(t, err)

	_, err = NewPolicy(nil, nil, []string{"bad"})
	assert.Error(t, err)

	_, err = NewPolicy([]string{"example.com. IN A 192.0.2.1"}, nil, nil)
	assert.Error(t, err)
}

func Test_AuthorizeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := ParseRequest(testUpdate(t), nil)
	require.NoError(t, err)

	_, err = NewAuthorizer().Authorize(ctx, req, Peer{}, &Policy{})
	assert.ErrorIs(t, err, context.Canceled)
}
