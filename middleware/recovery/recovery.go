package recovery

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

// Recovery turns a panic further down the chain into SERVFAIL.
type Recovery struct{}

// New return recovery.
func New(cfg *config.Config) *Recovery {
	return &Recovery{}
}

// Name return middleware name.
func (r *Recovery) Name() string { return name }

// ServeDNS implements the Handler interface.
func (r *Recovery) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if rec := recover(); rec != nil {
			if !ch.Writer.Written() {
				ch.CancelWithError(dns.RcodeServerFailure, false, &dns.EDNS0_EDE{InfoCode: dns.ExtendedErrorCodeOther, ExtraText: "internal error"})
			} else {
				ch.Cancel()
			}

			query := "-"
			if len(ch.Request.Question) > 0 {
				q := ch.Request.Question[0]
				query = q.Name + " " + dns.TypeToString[q.Qtype]
			}

			zlog.Error("Recovered in ServeDNS", "recover", rec, "query", query, "client", ch.Writer.RemoteIP())

			_, _ = os.Stderr.WriteString(fmt.Sprintf("panic: %v\n\n", rec))
			debug.PrintStack()
		}
	}()

	ch.Next(ctx)
}

const name = "recovery"
