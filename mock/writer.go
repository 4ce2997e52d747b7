// Package mock provides a dns.ResponseWriter that records what the
// request pipeline writes, for tests.
package mock

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// Writer records the response written for one request. Its transport is
// given by the proto passed to NewWriter: udp, tcp, tls or doq.
type Writer struct {
	proto  string
	local  net.Addr
	remote net.Addr

	msg    *dns.Msg
	writes int

	wire       []byte
	tsigStatus error
}

var serverAddr = netip.MustParseAddrPort("127.0.0.1:53")

// NewWriter returns a writer for a client at addr.
func NewWriter(proto, addr string) *Writer {
	client, err := netip.ParseAddrPort(addr)
	if err != nil {
		client = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}

	w := &Writer{proto: proto}

	if proto == "udp" {
		w.local = net.UDPAddrFromAddrPort(serverAddr)
		w.remote = net.UDPAddrFromAddrPort(client)
	} else {
		w.local = net.TCPAddrFromAddrPort(serverAddr)
		w.remote = net.TCPAddrFromAddrPort(client)
	}

	return w
}

// Msg returns the written message, nil before a write.
func (w *Writer) Msg() *dns.Msg { return w.msg }

// Rcode returns the rcode of the written message, SERVFAIL before a write.
func (w *Writer) Rcode() int {
	if w.msg == nil {
		return dns.RcodeServerFailure
	}

	return w.msg.Rcode
}

// Written reports whether a message was written.
func (w *Writer) Written() bool { return w.msg != nil }

// Writes returns the number of successful writes.
func (w *Writer) Writes() int { return w.writes }

// Write records a packed message.
func (w *Writer) Write(b []byte) (int, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return 0, err
	}

	w.msg = m
	w.writes++

	return len(b), nil
}

// WriteMsg records m.
func (w *Writer) WriteMsg(m *dns.Msg) error {
	w.msg = m
	w.writes++

	return nil
}

// Proto returns the transport name.
func (w *Writer) Proto() string { return w.proto }

// RemoteIP returns the client address.
func (w *Writer) RemoteIP() net.IP {
	switch a := w.remote.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}

	return nil
}

// LocalAddr returns the server address.
func (w *Writer) LocalAddr() net.Addr { return w.local }

// RemoteAddr returns the client address.
func (w *Writer) RemoteAddr() net.Addr { return w.remote }

// Internal reports whether the client is the in-process one.
func (w *Writer) Internal() bool { return w.remote.String() == "127.0.0.255:0" }

// SetTsigStatus sets the result TsigStatus reports.
func (w *Writer) SetTsigStatus(err error) { w.tsigStatus = err }

// TsigStatus returns the TSIG verification result.
func (w *Writer) TsigStatus() error { return w.tsigStatus }

// SetWire sets the raw request Wire reports.
func (w *Writer) SetWire(b []byte) { w.wire = b }

// Wire returns the raw request.
func (w *Writer) Wire() []byte { return w.wire }

func (w *Writer) Reset(dns.ResponseWriter) {}
func (w *Writer) TsigTimersOnly(bool)      {}
func (w *Writer) Hijack()                  {}
func (w *Writer) Close() error             { return nil }
