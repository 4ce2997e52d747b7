package middleware

import (
	"errors"
	"net"

	"github.com/miekg/dns"
)

// ResponseWriter is the dns.ResponseWriter handlers see. It remembers the
// response and what the transport knows about the client.
type ResponseWriter interface {
	dns.ResponseWriter
	Msg() *dns.Msg
	Rcode() int
	Written() bool
	Reset(dns.ResponseWriter)
	Proto() string
	RemoteIP() net.IP
	Internal() bool

	// Size returns the length of the written response in bytes.
	Size() int

	// Wire returns the request as received, nil when the transport
	// does not keep it.
	Wire() []byte
}

// internalAddr is the client address of requests made inside the process.
const internalAddr = "127.0.0.255:0"

type responseWriter struct {
	dns.ResponseWriter

	msg     *dns.Msg
	size    int
	written bool

	proto    string
	remoteip net.IP
	internal bool
}

var (
	_ ResponseWriter = &responseWriter{}

	errAlreadyWritten = errors.New("msg already written")
)

func (w *responseWriter) Reset(rw dns.ResponseWriter) {
	w.ResponseWriter = rw
	w.msg = nil
	w.size = 0
	w.written = false

	w.proto, w.remoteip = transport(rw)
	w.internal = rw.RemoteAddr().String() == internalAddr
}

// transport names the protocol rw serves and returns the client address.
// Writers of other transports, such as DoQ, name themselves with Proto.
func transport(rw dns.ResponseWriter) (proto string, ip net.IP) {
	switch addr := rw.RemoteAddr().(type) {
	case *net.TCPAddr:
		proto, ip = "tcp", addr.IP
	case *net.UDPAddr:
		proto, ip = "udp", addr.IP
	}

	if cs, ok := rw.(dns.ConnectionStater); ok && cs.ConnectionState() != nil {
		proto = "tls"
	}

	if p, ok := rw.(interface{ Proto() string }); ok {
		proto = p.Proto()
	}

	return proto, ip
}

func (w *responseWriter) Msg() *dns.Msg { return w.msg }

func (w *responseWriter) Rcode() int {
	if w.msg == nil {
		return dns.RcodeSuccess
	}

	return w.msg.Rcode
}

func (w *responseWriter) Written() bool { return w.written }

func (w *responseWriter) Size() int {
	if w.size == 0 && w.msg != nil {
		w.size = w.msg.Len()
	}

	return w.size
}

func (w *responseWriter) Proto() string { return w.proto }

func (w *responseWriter) RemoteIP() net.IP { return w.remoteip }

// Internal reports whether the request came from inside the process.
func (w *responseWriter) Internal() bool { return w.internal }

func (w *responseWriter) Wire() []byte {
	if wr, ok := w.ResponseWriter.(interface{ Wire() []byte }); ok {
		return wr.Wire()
	}

	return nil
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.written {
		return 0, errAlreadyWritten
	}

	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return 0, err
	}

	w.msg, w.written = m, true

	n, err := w.ResponseWriter.Write(b)
	w.size = n

	return n, err
}

func (w *responseWriter) WriteMsg(m *dns.Msg) error {
	if w.written {
		return errAlreadyWritten
	}

	w.msg, w.written = m, true

	return w.ResponseWriter.WriteMsg(m)
}
