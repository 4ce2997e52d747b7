package accesslist

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

// AccessList turns away clients outside the configured networks. Datagram
// clients get no reply; stream clients get REFUSED so the connection does
// not hang until it times out.
type AccessList struct {
	ranger cidranger.Ranger
}

var everyone = []string{"0.0.0.0/0", "::0/0"}

// New return accesslist
func New(cfg *config.Config) *AccessList {
	networks := cfg.AccessList
	if len(networks) == 0 {
		networks = everyone
	}

	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}

	for _, cidr := range networks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return a
}

// Name return middleware name
func (a *AccessList) Name() string { return name }

// Allowed reports whether ip may query.
func (a *AccessList) Allowed(ip net.IP) bool {
	if ip == nil {
		return false
	}

	ok, err := a.ranger.Contains(ip)

	return err == nil && ok
}

// ServeDNS implements the Handler interface.
func (a *AccessList) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	if w.Internal() || a.Allowed(w.RemoteIP()) {
		ch.Next(ctx)
		return
	}

	zlog.Debug("Query denied by access list", "client", w.RemoteIP(), "proto", w.Proto())

	if w.Proto() == "udp" {
		ch.Cancel()
		return
	}

	ch.CancelWithError(dns.RcodeRefused, false, &dns.EDNS0_EDE{InfoCode: dns.ExtendedErrorCodeProhibited})
}

const name = "accesslist"
