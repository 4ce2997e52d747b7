package doq

import (
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// ResponseWriter writes one response on a DoQ stream.
type ResponseWriter struct {
	Conn   *quic.Conn
	Stream *quic.Stream

	wire    []byte
	secrets map[string]string

	tsigStatus     error
	tsigRequestMAC string
	tsigTimersOnly bool
}

var _ dns.ResponseWriter = &ResponseWriter{}

func (w *ResponseWriter) LocalAddr() net.Addr {
	return w.Conn.LocalAddr()
}

func (w *ResponseWriter) RemoteAddr() net.Addr {
	return w.Conn.RemoteAddr()
}

// Proto reports the transport to the middleware chain.
func (w *ResponseWriter) Proto() string { return "doq" }

// Wire returns the request as received.
func (w *ResponseWriter) Wire() []byte { return w.wire }

func (w *ResponseWriter) TsigStatus() error { return w.tsigStatus }

func (w *ResponseWriter) TsigTimersOnly(b bool) { w.tsigTimersOnly = b }

func (w *ResponseWriter) Hijack() {}

func (w *ResponseWriter) Close() error {
	return w.Stream.Close()
}

func (w *ResponseWriter) Write(m []byte) (int, error) {
	return w.Stream.Write(addPrefixLen(m))
}

func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	m.Id = 0

	var (
		packed []byte
		err    error
	)

	if t := m.IsTsig(); t != nil {
		packed, _, err = dns.TsigGenerate(m, w.secrets[dns.CanonicalName(t.Hdr.Name)], w.tsigRequestMAC, w.tsigTimersOnly)
	} else {
		packed, err = m.Pack()
	}

	if err != nil {
		_ = w.Conn.CloseWithError(0x1, err.Error())
		return err
	}

	_, err = w.Stream.Write(addPrefixLen(packed))

	return err
}

func addPrefixLen(msg []byte) (buf []byte) {
	buf = make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)

	return buf
}
