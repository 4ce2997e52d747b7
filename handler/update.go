package handler

import (
	"context"
	"errors"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

// update authorizes and applies a dynamic update. Once authorized it runs to
// completion even when the client goes away.
func (h *Handler) update(ctx context.Context, s *state) {
	ctx = context.WithoutCancel(ctx)

	req, err := update.ParseRequest(s.req, s.info.Wire)
	if err != nil {
		h.updateFailed(s, "", err)
		return
	}

	a := h.catalog.Load().Lookup(req.Zone)
	if a == nil {
		h.updateFailed(s, req.Zone, &update.AuthError{Reason: "zone " + req.Zone + " not served"})
		return
	}

	peer := update.Peer{IP: s.info.RemoteIP, TsigStatus: s.info.TsigStatus}

	tok, err := h.authorizer.Authorize(ctx, req, peer, a.Policy())
	if err != nil {
		h.updateFailed(s, a.Origin(), err)
		return
	}

	change, err := a.Update(ctx, req, tok)
	if err != nil {
		h.updateFailed(s, a.Origin(), err)
		return
	}

	updates.WithLabelValues(a.Origin(), "applied").Inc()
	zlog.Debug("Update applied", "zone", a.Origin(), "serial", change.Serial, "client", s.info.RemoteIP, "signer", tok.Signer())

	resp := new(dns.Msg)
	resp.SetReply(s.req)
	s.resp = resp
}

func (h *Handler) updateFailed(s *state, origin string, err error) {
	var (
		uerr *zone.UpdateError
		aerr *update.AuthError
	)

	switch {
	case errors.As(err, &uerr):
		h.fail(s, uerr.Rcode)
	case errors.As(err, &aerr):
		h.fail(s, dns.RcodeNotAuth)
	default:
		internalErrors.Inc()
		zlog.Error("Update failed", "zone", origin, "client", s.info.RemoteIP, "error", err.Error())
		h.failWith(s, dns.RcodeServerFailure, dns.ExtendedErrorCodeOther, "update failed")
	}

	updates.WithLabelValues(origin, dns.RcodeToString[s.resp.Rcode]).Inc()
	zlog.Info("Update refused", "zone", origin, "client", s.info.RemoteIP, "rcode", dns.RcodeToString[s.resp.Rcode], "reason", err.Error())
}
