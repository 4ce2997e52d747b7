package chaos

import (
	"context"
	"os"
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

// Chaos answers the server identification queries of the CHAOS class
// (RFC 4892).
type Chaos struct {
	answers map[string]string
}

// New return chaos. It answers nothing when chaos is disabled.
func New(cfg *config.Config) *Chaos {
	c := &Chaos{answers: map[string]string{}}

	if !cfg.Chaos {
		return c
	}

	version := "authdns v" + cfg.ServerVersion() + " (github.com/semihalev/authdns)"

	id := cfg.NSID
	if id == "" {
		var err error
		if id, err = os.Hostname(); err != nil {
			id = "unknown"
		}
	}

	for _, name := range []string{"version.bind.", "version.server."} {
		c.answers[name] = version
	}

	for _, name := range []string{"hostname.bind.", "id.server."} {
		c.answers[name] = limitTXTLength(id)
	}

	return c
}

// Name return middleware name
func (c *Chaos) Name() string { return name }

// ServeDNS implements the Handler interface.
func (c *Chaos) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	req := ch.Request

	if len(req.Question) == 0 {
		ch.Next(ctx)
		return
	}

	q := req.Question[0]

	txt, ok := c.answers[strings.ToLower(q.Name)]
	if !ok || q.Qclass != dns.ClassCHAOS || q.Qtype != dns.TypeTXT {
		ch.Next(ctx)
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
		Txt: []string{txt},
	}}

	_ = ch.Writer.WriteMsg(resp)
	ch.Cancel()
}

func limitTXTLength(s string) string {
	if len(s) < 256 {
		return s
	}
	return s[:255]
}

const name = "chaos"
