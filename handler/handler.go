// Package handler turns DNS requests into responses: it validates the
// header, dispatches by opcode to the zones of the catalog, signs
// authoritative answers and assembles the final message.
package handler

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/catalog"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/update"
)

// Info is what the transport knows about a request.
type Info struct {
	// Proto is udp, tcp, tls or doq.
	Proto    string
	RemoteIP net.IP

	// TsigStatus is the transport's TSIG verification result.
	TsigStatus error

	// Wire is the request as received, used to verify SIG(0).
	Wire []byte
}

func (i Info) stream() bool { return i.Proto != "udp" }

// Handler answers DNS requests from a catalog.
type Handler struct {
	catalog    *catalog.Holder
	authorizer *update.Authorizer

	nsid         string
	cookieSecret string
	maxChain     int
	recursion    bool
	tsig         map[string]string

	// refresh runs zone refreshes triggered by NOTIFY.
	refresh func(func())
}

// New returns a handler serving the zones of holder.
func New(cfg *config.Config, holder *catalog.Holder) *Handler {
	return &Handler{
		catalog:      holder,
		authorizer:   update.NewAuthorizer(),
		nsid:         cfg.NSID,
		cookieSecret: cfg.CookieSecret,
		maxChain:     cfg.MaxCNAMEChain,
		recursion:    cfg.Recursion.Enabled,
		tsig:         cfg.TSIGSecrets(),
		refresh:      func(fn func()) { go fn() },
	}
}

// Name return middleware name.
func (h *Handler) Name() string { return name }

// ServeDNS implements the middleware.Handler interface. It is the last
// handler of the chain.
func (h *Handler) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	info := Info{
		Proto:      w.Proto(),
		RemoteIP:   w.RemoteIP(),
		TsigStatus: w.TsigStatus(),
		Wire:       w.Wire(),
	}

	resp := h.Handle(ctx, ch.Request, info)

	if err := w.WriteMsg(resp); err != nil {
		zlog.Debug("Write response failed", "query", formatQuestion(ch.Request), "error", err.Error())
	}

	ch.Cancel()
}

// state is one request in flight.
type state struct {
	req  *dns.Msg
	resp *dns.Msg
	info Info

	opt *dns.OPT
	do  bool

	// ede is reported to EDNS clients.
	ede *dns.EDNS0_EDE
}

// Handle answers req. It always returns a response.
func (h *Handler) Handle(ctx context.Context, req *dns.Msg, info Info) *dns.Msg {
	s := &state{req: req, info: info, opt: req.IsEdns0()}
	if s.opt != nil {
		s.do = s.opt.Do()
	}

	h.dispatch(ctx, s)
	h.finish(s)

	return s.resp
}

func (h *Handler) dispatch(ctx context.Context, s *state) {
	req := s.req

	if req.Response {
		h.fail(s, dns.RcodeFormatError)
		return
	}

	switch req.Opcode {
	case dns.OpcodeQuery, dns.OpcodeUpdate, dns.OpcodeNotify:
	default:
		h.fail(s, dns.RcodeNotImplemented)
		return
	}

	if len(req.Question) != 1 {
		h.fail(s, dns.RcodeFormatError)
		return
	}

	if s.opt != nil && s.opt.Version() != 0 {
		h.fail(s, dns.RcodeBadVers)
		return
	}

	if tsig := req.IsTsig(); tsig != nil && !h.tsigValid(tsig, s.info) {
		zlog.Debug("TSIG verification failed", "key", tsig.Hdr.Name, "client", s.info.RemoteIP)
		h.fail(s, dns.RcodeNotAuth)
		return
	}

	switch req.Opcode {
	case dns.OpcodeQuery:
		h.query(ctx, s)
	case dns.OpcodeUpdate:
		h.update(ctx, s)
	case dns.OpcodeNotify:
		h.notify(ctx, s)
	}
}

// tsigValid reports whether the transport verified tsig with a key we know.
func (h *Handler) tsigValid(tsig *dns.TSIG, info Info) bool {
	if _, ok := h.tsig[strings.ToLower(tsig.Hdr.Name)]; !ok {
		return false
	}

	return info.TsigStatus == nil
}

// fail replaces the response by an empty one with rcode.
func (h *Handler) fail(s *state, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(s.req, rcode)
	m.RecursionAvailable = h.recursion

	s.resp = m
}

// failWith is fail with an extended error for EDNS clients.
func (h *Handler) failWith(s *state, rcode int, code uint16, text string) {
	h.fail(s, rcode)
	s.ede = &dns.EDNS0_EDE{InfoCode: code, ExtraText: text}
}

// finish adds the OPT and TSIG records and truncates datagram responses.
func (h *Handler) finish(s *state) {
	resp := s.resp
	resp.AuthenticatedData = false
	resp.Compress = true

	size := dns.MinMsgSize

	if s.opt != nil {
		opt := h.responseOPT(s)
		resp.Extra = append(resp.Extra, opt)
		size = max(int(s.opt.UDPSize()), dns.MinMsgSize)
	}

	if !s.info.stream() && resp.Len() > size {
		resp.Truncate(size)
		truncated.Inc()
	}

	if tsig := s.req.IsTsig(); tsig != nil && h.tsigValid(tsig, s.info) {
		resp.SetTsig(tsig.Hdr.Name, tsig.Algorithm, tsig.Fudge, time.Now().Unix())
	}
}

func formatQuestion(req *dns.Msg) string {
	if req == nil || len(req.Question) == 0 {
		return "<none>"
	}

	q := req.Question[0]

	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

const name = "authority"
