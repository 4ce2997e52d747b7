// Copyright 2016-2020 The CoreDNS authors and contributors
// Adapted for SDNS usage by Semih Alev.

package dnsutil

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

func makeRR(data string) dns.RR {
	r, _ := dns.NewRR(data)

	return r
}

func TestClientCookie(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	client, full := ClientCookie(req)
	assert.Empty(t, client)
	assert.Empty(t, full)

	req.SetEdns0(4096, false)
	opt := req.IsEdns0()
	opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "0123456789abcdef"})

	client, full = ClientCookie(req)
	assert.Equal(t, "0123456789abcdef", client)
	assert.Equal(t, "0123456789abcdef", full)

	server := GenerateServerCookie("secret", "10.0.0.1", client)
	opt.Option[0].(*dns.EDNS0_COOKIE).Cookie = server

	client, full = ClientCookie(req)
	assert.Equal(t, "0123456789abcdef", client)
	assert.Equal(t, server, full)
}

func TestGenerateServerCookie(t *testing.T) {
	a := GenerateServerCookie("secret", "10.0.0.1", "0123456789abcdef")
	b := GenerateServerCookie("secret", "10.0.0.1", "0123456789abcdef")
	c := GenerateServerCookie("other", "10.0.0.1", "0123456789abcdef")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16+64)
}

func TestClearOPT(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("miek.nl.", dns.TypeA)
	msg.SetEdns0(4096, true)
	msg.Extra = append(msg.Extra, makeRR("linode.atoom.net.	1800	IN	A	176.58.119.54"))

	msg = ClearOPT(msg)
	assert.Nil(t, msg.IsEdns0())
	assert.Len(t, msg.Extra, 1)
}

func TestClearDNSSEC(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("miek.nl.", dns.TypeNS)

	msg.Answer = append(msg.Answer, makeRR("miek.nl.		1800	IN	NS	linode.atoom.net."))
	msg.Answer = append(msg.Answer, makeRR("miek.nl.		1800	IN	RRSIG	NS 8 2 1800 20181217031301 20181117031301 12051 miek.nl. rzrfC1x56DO660O+w1fJAqL+u6OYjDWaBoS6ZKSrUOXJOIO1rV8vV3v4 O6FvKXtbyBB3KpUEpN044D5C+dv0fNfJ4g0MYCAzHygCXRSmCY7d4yHO 73Im3jhQtxnlzSCSYHC4sMUc63TkOqftets+DmlE3VnWmlkq2qS3QNqW uto="))

	msg.Ns = append(msg.Ns, makeRR("linode.atoom.net.	1800	IN	A	176.58.119.54"))
	msg.Ns = append(msg.Ns, makeRR("linode.atoom.net.	1800	IN	RRSIG	A 8 3 1800 20181217031301 20181117031301 53289 atoom.net. car2hvJmft8+sA3zgk1zb8gdL8afpTBmUYaYK1OJuB+B6508IZIAYCFc 4yNFjxOFC9PaQz1GsgKNtwYl1HF8SAO/kTaJgP5V8BsZLfOGsQi2TWhn 3qOkuA563DvehVdMIzqzCTK5sLiQ25jg6saTiHO0yjpYBgcIxYvf8YW9 KYU="))

	msg = ClearDNSSEC(msg)
	assert.Len(t, msg.Answer, 1)
	assert.Len(t, msg.Ns, 1)

	msg.Question[0].Qtype = dns.TypeRRSIG
	msg.Answer = append(msg.Answer, makeRR("miek.nl.		1800	IN	NSEC	a.miek.nl. NS SOA RRSIG NSEC"))
	msg = ClearDNSSEC(msg)
	assert.Len(t, msg.Answer, 2)
}

type responder struct{}

func (r *responder) Name() string { return "responder" }

func (r *responder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	if ch.Request.Question[0].Name != "example.com." {
		ch.Cancel()
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(ch.Request)
	resp.Answer = append(resp.Answer, makeRR("example.com. 300 IN A 192.0.2.1"))

	_ = ch.Writer.WriteMsg(resp)
	ch.Cancel()
}

func TestExchangeInternal(t *testing.T) {
	middleware.Register("responder", func(*config.Config) middleware.Handler { return &responder{} })
	require.NoError(t, middleware.Setup(new(config.Config)))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	msg, err := ExchangeInternal(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, msg.Answer, 1)

	req.SetQuestion("www.example.com.", dns.TypeA)
	_, err = ExchangeInternal(context.Background(), req)
	assert.Error(t, err)
}
