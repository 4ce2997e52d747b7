package middleware

import (
	"context"

	"github.com/miekg/dns"
)

// Chain walks one request through the handlers in registration order.
// Chains are pooled by the server and reused with Reset.
type Chain struct {
	Writer  ResponseWriter
	Request *dns.Msg

	handlers []Handler
	next     int
}

// NewChain returns a chain over handlers.
func NewChain(handlers []Handler) *Chain {
	return &Chain{
		Writer:   &responseWriter{},
		handlers: handlers,
	}
}

// Next calls the next handler. It does nothing once every handler ran or
// the chain was cancelled.
func (ch *Chain) Next(ctx context.Context) {
	if ch.Done() {
		return
	}

	h := ch.handlers[ch.next]
	ch.next++

	h.ServeDNS(ctx, ch)
}

// Done reports whether no handler is left to run.
func (ch *Chain) Done() bool {
	return ch.next >= len(ch.handlers)
}

// Cancel stops the remaining handlers.
func (ch *Chain) Cancel() {
	ch.next = len(ch.handlers)
}

// CancelWithRcode answers with rcode and stops the remaining handlers.
func (ch *Chain) CancelWithRcode(rcode int, do bool) {
	ch.CancelWithError(rcode, do, nil)
}

// CancelWithError is CancelWithRcode with an extended DNS error (RFC 8914)
// for clients that sent EDNS.
func (ch *Chain) CancelWithError(rcode int, do bool, ede *dns.EDNS0_EDE) {
	m := new(dns.Msg)
	m.SetRcode(ch.Request, rcode)

	if opt := ch.Request.IsEdns0(); opt != nil {
		m.SetEdns0(dns.DefaultMsgSize, do && opt.Do())

		if ede != nil {
			o := m.IsEdns0()
			o.Option = append(o.Option, ede)
		}
	}

	_ = ch.Writer.WriteMsg(m)

	ch.Cancel()
}

// Reset prepares the chain for the next request.
func (ch *Chain) Reset(w dns.ResponseWriter, r *dns.Msg) {
	ch.Writer.Reset(w)
	ch.Request = r
	ch.next = 0
}
