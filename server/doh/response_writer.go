package doh

import (
	"errors"
	"net"

	"github.com/miekg/dns"
)

var errWritten = errors.New("response already written")

// ResponseWriter collects the response of one DoH request.
type ResponseWriter struct {
	local  net.Addr
	remote net.Addr

	wire    []byte
	secrets map[string]string

	tsigStatus     error
	tsigRequestMAC string
	tsigTimersOnly bool

	msg    *dns.Msg
	packed []byte
}

var _ dns.ResponseWriter = &ResponseWriter{}

func newResponseWriter(local, remote net.Addr, wire []byte, secrets map[string]string) *ResponseWriter {
	if local == nil {
		local = &net.TCPAddr{IP: net.IPv4zero}
	}

	return &ResponseWriter{local: local, remote: remote, wire: wire, secrets: secrets}
}

// verify checks the TSIG of req over the received bytes.
func (w *ResponseWriter) verify(req *dns.Msg) {
	t := req.IsTsig()
	if t == nil {
		return
	}

	w.tsigRequestMAC = t.MAC

	secret, ok := w.secrets[dns.CanonicalName(t.Hdr.Name)]
	if !ok {
		w.tsigStatus = dns.ErrSecret
		return
	}

	w.tsigStatus = dns.TsigVerify(w.wire, secret, "", false)
}

func (w *ResponseWriter) LocalAddr() net.Addr { return w.local }

func (w *ResponseWriter) RemoteAddr() net.Addr { return w.remote }

// Proto reports the transport to the middleware chain.
func (w *ResponseWriter) Proto() string { return "doh" }

// Wire returns the request as received.
func (w *ResponseWriter) Wire() []byte { return w.wire }

func (w *ResponseWriter) TsigStatus() error { return w.tsigStatus }

func (w *ResponseWriter) TsigTimersOnly(b bool) { w.tsigTimersOnly = b }

func (w *ResponseWriter) Hijack() {}

func (w *ResponseWriter) Close() error { return nil }

func (w *ResponseWriter) Write(m []byte) (int, error) {
	if w.packed != nil {
		return 0, errWritten
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(m); err != nil {
		return 0, err
	}

	w.msg, w.packed = msg, append([]byte(nil), m...)

	return len(m), nil
}

func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	if w.packed != nil {
		return errWritten
	}

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
		return err
	}

	w.msg, w.packed = m, packed

	return nil
}
