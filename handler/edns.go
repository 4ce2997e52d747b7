package handler

import (
	"encoding/hex"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/dnsutil"
)

// responseOPT builds the OPT record of the response: our buffer size, the
// DO bit echoed, NSID when asked for, a server cookie and any extended error.
func (h *Handler) responseOPT(s *state) *dns.OPT {
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(dns.DefaultMsgSize)
	opt.SetDo(s.do)

	for _, o := range s.opt.Option {
		if o.Option() == dns.EDNS0NSID && h.nsid != "" {
			opt.Option = append(opt.Option, &dns.EDNS0_NSID{
				Code: dns.EDNS0NSID,
				Nsid: hex.EncodeToString([]byte(h.nsid)),
			})
		}
	}

	if client, _ := dnsutil.ClientCookie(s.req); client != "" && s.info.RemoteIP != nil {
		opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{
			Code:   dns.EDNS0COOKIE,
			Cookie: dnsutil.GenerateServerCookie(h.cookieSecret, s.info.RemoteIP.String(), client),
		})
	}

	if s.ede != nil {
		opt.Option = append(opt.Option, s.ede)
	}

	return opt
}
