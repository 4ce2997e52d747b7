// Package doq serves DNS over dedicated QUIC connections (RFC 9250).
package doq

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/semihalev/zlog/v2"
)

var doqProtos = []string{"doq", "doq-i02", "dq", "doq-i00", "doq-i01", "doq-i11"}

const (
	minMsgHeaderSize = 14 // fixed msg header size 12 + quic prefix size 2
	ProtocolError    = 0x2
	NoError          = 0x0
	maxMsgSize       = 65535            // Maximum DNS message size
	tlsMinVersion    = tls.VersionTLS13 // DoQ requires TLS 1.3+
)

var errNoTLSConfig = errors.New("doq server needs a tls config")

// Server implements DNS-over-QUIC server
type Server struct {
	Addr    string
	Handler dns.Handler

	// TLSConfig supplies the certificate; the ALPN and TLS version are set
	// by the server.
	TLSConfig *tls.Config

	// TsigSecret verifies TSIG signed requests and signs their responses.
	TsigSecret map[string]string

	mu     sync.Mutex
	ln     *quic.Listener
	closed bool
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if s.TLSConfig == nil {
		return errNoTLSConfig
	}

	tlsConfig := s.TLSConfig.Clone()
	tlsConfig.NextProtos = doqProtos
	tlsConfig.MinVersion = tlsMinVersion

	quicConfig := &quic.Config{
		MaxIdleTimeout:         5 * time.Second,
		MaxStreamReceiveWindow: maxMsgSize,
		KeepAlivePeriod:        30 * time.Second,
	}

	listener, err := quic.ListenAddr(s.Addr, tlsConfig, quicConfig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return quic.ErrServerClosed
	}
	s.ln = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return err
		}

		go s.handleConnection(conn)
	}
}

// Shutdown closes the listener. A server shut down before it listens does
// not start.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.ln == nil {
		return nil
	}

	err := s.ln.Close()

	// quic.ErrServerClosed is expected when closing
	if err != nil && !errors.Is(err, quic.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handleConnection(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return
			}
			zlog.Debug("Failed to accept stream", "error", err.Error())
			_ = conn.CloseWithError(NoError, "")
			return
		}

		go s.handleStream(conn, stream)
	}
}

func (s *Server) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer stream.Close()

	// Limit read size to prevent DoS
	buf, err := io.ReadAll(io.LimitReader(stream, maxMsgSize+2))
	if err != nil {
		zlog.Debug("Failed to read stream", "error", err.Error())
		return
	}

	if len(buf) < minMsgHeaderSize {
		zlog.Debug("Message too small", "size", len(buf))
		_ = conn.CloseWithError(ProtocolError, "message too small")
		return
	}

	msgLen := binary.BigEndian.Uint16(buf[:2])
	if int(msgLen) != len(buf)-2 {
		zlog.Debug("Message length mismatch", "expected", msgLen, "actual", len(buf)-2)
		_ = conn.CloseWithError(ProtocolError, "message length mismatch")
		return
	}

	wire := buf[2:]

	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		zlog.Debug("Failed to unpack DNS message", "error", err.Error())
		_ = conn.CloseWithError(ProtocolError, "invalid dns message")
		return
	}

	w := &ResponseWriter{Conn: conn, Stream: stream, wire: wire, secrets: s.TsigSecret}

	if t := req.IsTsig(); t != nil {
		w.tsigRequestMAC = t.MAC

		secret, ok := s.TsigSecret[dns.CanonicalName(t.Hdr.Name)]
		if !ok {
			w.tsigStatus = dns.ErrSecret
		} else {
			w.tsigStatus = dns.TsigVerify(wire, secret, "", false)
		}
	}

	s.Handler.ServeDNS(w, req)
}
