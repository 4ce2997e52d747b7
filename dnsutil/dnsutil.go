// Copyright 2016-2020 The CoreDNS authors and contributors
// Adapted for SDNS usage by Semih Alev.

package dnsutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/mock"
)

// ClientCookie returns the client part of the request's DNS cookie, empty
// when the request has none.
func ClientCookie(req *dns.Msg) (client, full string) {
	opt := req.IsEdns0()
	if opt == nil {
		return "", ""
	}

	for _, option := range opt.Option {
		if c, ok := option.(*dns.EDNS0_COOKIE); ok && len(c.Cookie) >= cookieSize {
			return c.Cookie[:cookieSize], c.Cookie
		}
	}

	return "", ""
}

// GenerateServerCookie return generated edns server cookie
func GenerateServerCookie(secret, remoteip, cookie string) string {
	scookie := sha256.New()

	_, _ = scookie.Write([]byte(remoteip))
	_, _ = scookie.Write([]byte(cookie))
	_, _ = scookie.Write([]byte(secret))

	return cookie + hex.EncodeToString(scookie.Sum(nil))
}

// ClearOPT returns cleared opt message
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, len(msg.Extra))
	copy(extra, msg.Extra)

	msg.Extra = []dns.RR{}

	for _, rr := range extra {
		switch rr.(type) {
		case *dns.OPT:
			continue
		default:
			msg.Extra = append(msg.Extra, rr)
		}
	}

	return msg
}

// ClearDNSSEC returns cleared RRSIG and NSECx message
func ClearDNSSEC(msg *dns.Msg) *dns.Msg {
	// we shouldn't clear RRSIG questions
	if len(msg.Question) > 0 {
		if msg.Question[0].Qtype == dns.TypeRRSIG {
			return msg
		}
	}

	msg.Answer = clearDNSSEC(msg.Answer)
	msg.Ns = clearDNSSEC(msg.Ns)
	msg.Extra = clearDNSSEC(msg.Extra)

	return msg
}

func clearDNSSEC(rrs []dns.RR) []dns.RR {
	kept := rrs[:0]

	for _, rr := range rrs {
		switch rr.(type) {
		case *dns.RRSIG, *dns.NSEC3, *dns.NSEC:
			continue
		default:
			kept = append(kept, rr)
		}
	}

	return kept
}

// ExchangeInternal runs r through the configured middleware chain as an
// internal client.
func ExchangeInternal(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	w := mock.NewWriter("tcp", "127.0.0.255:0")

	ch := middleware.NewChain(middleware.Handlers())
	ch.Reset(w, r)

	ch.Next(ctx)

	if !w.Written() {
		return nil, errors.New("no replied any message")
	}

	return w.Msg(), nil
}

const cookieSize = 16
