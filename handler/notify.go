package handler

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/config"
)

const notifyRefreshTimeout = time.Minute

// notify acknowledges a NOTIFY for a zone we serve and schedules a refresh
// when the zone is a secondary (RFC 1996). A secondary only takes notifies
// from its primaries, section 3.10.
func (h *Handler) notify(ctx context.Context, s *state) {
	q := s.req.Question[0]

	a := h.catalog.Load().Lookup(q.Name)
	if a == nil {
		h.fail(s, dns.RcodeNotAuth)
		return
	}

	r, ok := a.(authority.Refresher)
	secondary := ok && a.Type() == config.ZoneSecondary

	if secondary && !r.Primary(ctx, s.info.RemoteIP) {
		zlog.Info("Notify refused", "zone", a.Origin(), "client", s.info.RemoteIP)
		h.fail(s, dns.RcodeRefused)
		return
	}

	notifies.WithLabelValues(a.Origin()).Inc()

	resp := new(dns.Msg)
	resp.SetReply(s.req)
	resp.Authoritative = true
	s.resp = resp

	if !secondary {
		return
	}

	zlog.Info("Zone notified", "zone", a.Origin(), "client", s.info.RemoteIP)

	ctx = context.WithoutCancel(ctx)
	h.refresh(func() {
		ctx, cancel := context.WithTimeout(ctx, notifyRefreshTimeout)
		defer cancel()

		if err := r.Refresh(ctx); err != nil {
			zlog.Warn("Zone refresh after notify failed", "zone", a.Origin(), "error", err.Error())
		}
	})
}
