package server

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"

	"github.com/semihalev/authdns/cache"
)

const (
	headerSize = 12
	wireSize   = 1024
)

var errNoPacketConn = errors.New("reader does not support net.PacketConn")

// wires holds the received bytes of UPDATE messages until the handler picks
// them up. SIG(0) covers the message as the client encoded it, compression
// included, so the handler must not verify a packed copy.
type wires struct {
	c *cache.Cache
}

func newWires() *wires {
	return &wires{c: cache.New(wireSize)}
}

func wireKey(addr net.Addr, id uint16) uint64 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], id)

	d := xxhash.New()
	_, _ = d.WriteString(addr.String())
	_, _ = d.Write(b[:])

	return d.Sum64()
}

func (ws *wires) keep(addr net.Addr, m []byte) {
	if addr == nil || len(m) < headerSize {
		return
	}

	// QR clear and opcode UPDATE
	if m[2]&0x80 != 0 || int(m[2]>>3&0xF) != dns.OpcodeUpdate {
		return
	}

	// the reader may hand its buffer back to a pool
	wire := make([]byte, len(m))
	copy(wire, m)

	ws.c.Add(wireKey(addr, binary.BigEndian.Uint16(m)), wire)
}

func (ws *wires) take(addr net.Addr, id uint16) []byte {
	key := wireKey(addr, id)

	v, ok := ws.c.Get(key)
	if !ok {
		return nil
	}
	ws.c.Remove(key)

	return v.([]byte)
}

func (ws *wires) decorate(r dns.Reader) dns.Reader {
	return &wireReader{Reader: r, wires: ws}
}

type wireReader struct {
	dns.Reader
	wires *wires
}

var _ dns.PacketConnReader = &wireReader{}

func (r *wireReader) ReadTCP(conn net.Conn, timeout time.Duration) ([]byte, error) {
	m, err := r.Reader.ReadTCP(conn, timeout)
	if err == nil {
		r.wires.keep(conn.RemoteAddr(), m)
	}

	return m, err
}

func (r *wireReader) ReadUDP(conn *net.UDPConn, timeout time.Duration) ([]byte, *dns.SessionUDP, error) {
	m, s, err := r.Reader.ReadUDP(conn, timeout)
	if err == nil && s != nil {
		r.wires.keep(s.RemoteAddr(), m)
	}

	return m, s, err
}

func (r *wireReader) ReadPacketConn(conn net.PacketConn, timeout time.Duration) ([]byte, net.Addr, error) {
	pr, ok := r.Reader.(dns.PacketConnReader)
	if !ok {
		return nil, nil, errNoPacketConn
	}

	m, addr, err := pr.ReadPacketConn(conn, timeout)
	if err == nil {
		r.wires.keep(addr, m)
	}

	return m, addr, err
}

// wireWriter exposes the received bytes of a request to the middleware.
type wireWriter struct {
	dns.ResponseWriter
	wire []byte
}

func (w *wireWriter) Wire() []byte { return w.wire }

func (w *wireWriter) ConnectionState() *tls.ConnectionState {
	if cs, ok := w.ResponseWriter.(dns.ConnectionStater); ok {
		return cs.ConnectionState()
	}

	return nil
}
