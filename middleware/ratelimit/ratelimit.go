package ratelimit

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnsutil"
	"github.com/semihalev/authdns/middleware"
)

// RateLimit limits queries per client address. Clients that return a valid
// server cookie have proven their address and are not limited.
type RateLimit struct {
	cookiesecret string

	store *LimiterStore
	rate  int

	lastCleanup atomic.Int64
}

// New return ratelimit.
func New(cfg *config.Config) *RateLimit {
	r := &RateLimit{
		store:        NewLimiterStore(storeSize, cfg.ClientRateLimit),
		cookiesecret: cfg.CookieSecret,
		rate:         cfg.ClientRateLimit,
	}
	r.lastCleanup.Store(time.Now().UnixNano())

	return r
}

// Name return middleware name.
func (r *RateLimit) Name() string { return name }

// ServeDNS implements the Handler interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if r.rate == 0 || w.Internal() {
		ch.Next(ctx)
		return
	}

	ip := w.RemoteIP()
	if ip == nil || ip.IsLoopback() {
		ch.Next(ctx)
		return
	}

	r.maybeCleanup()

	client, full := dnsutil.ClientCookie(req)
	servercookie := ""
	if client != "" {
		servercookie = dnsutil.GenerateServerCookie(r.cookiesecret, ip.String(), client)

		if full == servercookie {
			ch.Next(ctx)
			return
		}
	}

	if r.store.Get(key(ip)).Allow() {
		ch.Next(ctx)
		return
	}

	if servercookie != "" && w.Proto() == "udp" {
		// a client that sent a cookie gets ours back and may retry with it
		_ = w.WriteMsg(badCookie(req, servercookie))
	}

	//no reply to client
	ch.Cancel()
}

func (r *RateLimit) maybeCleanup() {
	now := time.Now().UnixNano()
	last := r.lastCleanup.Load()

	if time.Duration(now-last) < cleanupInterval || !r.lastCleanup.CompareAndSwap(last, now) {
		return
	}

	r.store.Cleanup(cleanupInterval)
}

func badCookie(req *dns.Msg, servercookie string) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeBadCookie)

	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(dns.DefaultMsgSize)
	opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: servercookie})
	m.Extra = append(m.Extra, opt)

	return m
}

func key(ip net.IP) uint64 {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	return xxhash.Sum64(ip)
}

const (
	storeSize       = 256 * 100
	cleanupInterval = 10 * time.Minute

	name = "ratelimit"
)
