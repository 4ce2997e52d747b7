// Package update parses and authorizes RFC 2136 dynamic update messages.
package update

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/authdns/zone"
)

// Request is a parsed dynamic update message.
type Request struct {
	Zone    string
	Class   uint16
	Prereqs []dns.RR
	Updates []dns.RR

	// Msg is the message as received.
	Msg *dns.Msg

	// Wire holds the bytes the message was decoded from, when the transport
	// kept them. SIG(0) is verified over these bytes.
	Wire []byte
}

// ParseRequest splits an update message into its sections. The zone section
// must hold exactly one SOA question.
func ParseRequest(m *dns.Msg, wire []byte) (*Request, error) {
	if m.Opcode != dns.OpcodeUpdate {
		return nil, &zone.UpdateError{Rcode: dns.RcodeFormatError, Reason: "not an update message"}
	}

	if len(m.Question) != 1 {
		return nil, &zone.UpdateError{Rcode: dns.RcodeFormatError, Reason: "zone section must hold one record"}
	}

	q := m.Question[0]
	if q.Qtype != dns.TypeSOA {
		return nil, &zone.UpdateError{Rcode: dns.RcodeFormatError, Reason: "zone section type must be SOA"}
	}

	return &Request{
		Zone:    strings.ToLower(dns.Fqdn(q.Name)),
		Class:   q.Qclass,
		Prereqs: m.Answer,
		Updates: m.Ns,
		Msg:     m,
		Wire:    wire,
	}, nil
}

// sig0 returns the SIG(0) record, which must be the last additional record.
func (r *Request) sig0() *dns.SIG {
	if len(r.Msg.Extra) == 0 {
		return nil
	}

	sig, _ := r.Msg.Extra[len(r.Msg.Extra)-1].(*dns.SIG)

	return sig
}

// wire returns the bytes the signature covers.
func (r *Request) wire() ([]byte, error) {
	if len(r.Wire) > 0 {
		return r.Wire, nil
	}

	// Without the received bytes the message is packed again; this only
	// verifies when the sender did not compress names.
	return r.Msg.Pack()
}
