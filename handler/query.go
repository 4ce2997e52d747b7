package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/catalog"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/zone"
)

func (h *Handler) query(ctx context.Context, s *state) {
	q := s.req.Question[0]

	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		h.failWith(s, dns.RcodeRefused, dns.ExtendedErrorCodeNotSupported, "class not served")
		return
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		h.failWith(s, dns.RcodeRefused, dns.ExtendedErrorCodeProhibited, "zone transfer not allowed")
		return
	case dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY:
		h.fail(s, dns.RcodeFormatError)
		return
	}

	cat := h.catalog.Load()

	a := h.find(cat, q.Name, q.Qtype, s.req.RecursionDesired)
	if a == nil {
		h.failWith(s, dns.RcodeRefused, dns.ExtendedErrorCodeNotAuthoritative, "")
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(s.req)
	resp.RecursionAvailable = h.recursion

	name, hops := q.Name, 0
	for first := true; ; first = false {
		r, err := a.Answer(ctx, authority.Query{
			Name:     name,
			Type:     q.Qtype,
			Class:    q.Qclass,
			DO:       s.do,
			Hops:     hops,
			MaxChain: h.maxChain,
		})
		if err != nil {
			h.answerFailed(s, a, err)
			return
		}

		if err := h.sign(a, r, s.do); err != nil {
			signingFailures.WithLabelValues(a.Origin()).Inc()
			zlog.Error("Signing failed", "zone", a.Origin(), "query", formatQuestion(s.req), "error", err.Error())
			h.failWith(s, dns.RcodeServerFailure, dns.ExtendedErrorCodeOther, "signing failed")
			return
		}

		answers.WithLabelValues(a.Origin(), r.Kind.String()).Inc()

		if first {
			resp.Authoritative = r.Authoritative
		}
		resp.Rcode = r.Rcode
		resp.Answer = append(resp.Answer, r.Answer...)
		resp.Ns = append(resp.Ns, r.Ns...)
		resp.Extra = append(resp.Extra, r.Extra...)

		if r.Chase == "" || r.Hops >= h.chainLimit() {
			break
		}

		next := h.find(cat, r.Chase, q.Qtype, s.req.RecursionDesired)
		if next == nil {
			break
		}

		a, name, hops = next, r.Chase, r.Hops
	}

	s.resp = resp
}

func (h *Handler) chainLimit() int {
	if h.maxChain <= 0 {
		return authority.DefaultMaxChain
	}

	return h.maxChain
}

// find returns the authority for name. DS records live in the parent zone,
// so a DS query at the apex of a hosted child goes to the parent when we
// host it too. Names outside every zone go to the recursion fallback when
// the client asked for recursion.
func (h *Handler) find(cat *catalog.Catalog, name string, qtype uint16, rd bool) authority.Authority {
	a := cat.Find(name)

	if a != nil && qtype == dns.TypeDS && a.Origin() != "." && strings.EqualFold(dns.Fqdn(name), a.Origin()) {
		if parent := cat.Find(zone.Parent(a.Origin())); parent != nil && parent.Type() != config.ZoneForward {
			a = parent
		}
	}

	if a == nil && h.recursion && rd {
		if r := cat.Recursion(); r != nil {
			a = r
		}
	}

	return a
}

// sign adds denial proofs and signatures to an authoritative response when
// the client set DO and the zone is signed.
func (h *Handler) sign(a authority.Authority, r *authority.Response, do bool) error {
	signer := a.Signer()
	if !do || signer == nil || r.Snapshot == nil {
		return nil
	}

	for _, p := range r.Proofs {
		r.Ns = append(r.Ns, signer.ProveNonexistence(r.Snapshot, p.Name, p.Denial, p.Wildcard)...)
	}

	var err error
	if r.Answer, err = signer.SignRecords(r.Snapshot, r.Answer, r.Synth); err != nil {
		return err
	}

	if r.Ns, err = signer.SignRecords(r.Snapshot, r.Ns, r.Synth); err != nil {
		return err
	}

	r.Extra, err = signer.SignRecords(r.Snapshot, r.Extra, r.Synth)

	return err
}

func (h *Handler) answerFailed(s *state, a authority.Authority, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		zlog.Debug("Query abandoned", "zone", a.Origin(), "query", formatQuestion(s.req), "error", err.Error())
		h.fail(s, dns.RcodeServerFailure)
		return
	case errors.Is(err, authority.ErrNotLoaded):
		h.failWith(s, dns.RcodeServerFailure, dns.ExtendedErrorCodeNotReady, "zone not loaded")
	case errors.Is(err, authority.ErrRateLimited):
		h.failWith(s, dns.RcodeRefused, dns.ExtendedErrorCodeProhibited, "upstream rate limit")
		return
	case a.Type() == config.ZoneForward:
		h.failWith(s, dns.RcodeServerFailure, dns.ExtendedErrorCodeNoReachableAuthority, "")
	default:
		h.failWith(s, dns.RcodeServerFailure, dns.ExtendedErrorCodeOther, "internal error")
	}

	internalErrors.Inc()
	zlog.Error("Answer failed", "zone", a.Origin(), "query", formatQuestion(s.req), "error", err.Error())
}
