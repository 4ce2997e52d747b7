// Package server runs the DNS listeners: UDP and TCP, DNS over TLS, DNS over
// QUIC and DNS over HTTPS. Every request goes through the middleware chain.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/server/doh"
	"github.com/semihalev/authdns/server/doq"
)

// Server type
type Server struct {
	addr           string
	tlsAddr        string
	doqAddr        string
	dohAddr        string
	tlsCertificate string
	tlsPrivateKey  string
	tsig           map[string]string

	ctx       context.Context
	chainPool sync.Pool
	wires     *wires

	mu      sync.Mutex
	servers []*dns.Server
	closers []io.Closer
	bound   map[string]net.Addr
	doq     *doq.Server
	doh     *http.Server
	certs   *CertManager
	running sync.WaitGroup

	udpStarted atomic.Bool
	tcpStarted atomic.Bool
	tlsStarted atomic.Bool
	doqStarted atomic.Bool
	dohStarted atomic.Bool
	stopped    atomic.Bool
}

// New return new server
func New(cfg *config.Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = ":53"
	}

	s := &Server{
		addr:           cfg.Bind,
		tlsAddr:        cfg.BindTLS,
		doqAddr:        cfg.BindDOQ,
		dohAddr:        cfg.BindDOH,
		tlsCertificate: cfg.Path(cfg.TLSCertificate),
		tlsPrivateKey:  cfg.Path(cfg.TLSPrivateKey),
		tsig:           cfg.TSIGSecrets(),
		ctx:            context.Background(),
		bound:          make(map[string]net.Addr),
		wires:          newWires(),
	}

	s.chainPool.New = func() any {
		return middleware.NewChain(middleware.Handlers())
	}

	return s
}

// ServeDNS implements the dns.Handler interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode == dns.OpcodeUpdate {
		if wire := s.wires.take(w.RemoteAddr(), r.Id); wire != nil {
			w = &wireWriter{ResponseWriter: w, wire: wire}
		}
	}

	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)
	ch.Next(s.ctx)

	s.chainPool.Put(ch)
}

// Run binds the listeners and serves them until ctx is done. A listener
// that cannot start is logged and skipped.
func (s *Server) Run(ctx context.Context) {
	s.ctx = ctx

	s.listen("udp", s.addr, nil, &s.udpStarted)
	s.listen("tcp", s.addr, nil, &s.tcpStarted)

	if s.tlsAddr != "" || s.doqAddr != "" || s.dohAddr != "" {
		certs, err := NewCertManager(s.tlsCertificate, s.tlsPrivateKey)
		if err != nil {
			zlog.Error("TLS listeners disabled", "cert", s.tlsCertificate, "error", err.Error())
		} else {
			s.mu.Lock()
			s.certs = certs
			s.mu.Unlock()

			if s.tlsAddr != "" {
				s.listen("tcp-tls", s.tlsAddr, certs.TLSConfig(), &s.tlsStarted)
			}

			if s.doqAddr != "" {
				s.listenDOQ(certs)
			}

			if s.dohAddr != "" {
				s.listenDOH(certs)
			}
		}
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (s *Server) listen(network, addr string, tlsConfig *tls.Config, started *atomic.Bool) {
	srv := &dns.Server{
		Addr:           addr,
		Net:            network,
		Handler:        s,
		TsigSecret:     s.tsig,
		DecorateReader: s.wires.decorate,
		MsgAcceptFunc:  accept,
		MaxTCPQueries:  2048,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		NotifyStartedFunc: func() {
			started.Store(true)
		},
	}

	var (
		closer io.Closer
		bound  net.Addr
		err    error
	)

	switch network {
	case "udp":
		var pc net.PacketConn
		if pc, err = net.ListenPacket("udp", addr); err == nil {
			srv.PacketConn, closer, bound = pc, pc, pc.LocalAddr()
		}
	default:
		var l net.Listener
		if l, err = net.Listen("tcp", addr); err == nil {
			if tlsConfig != nil {
				l = tls.NewListener(l, tlsConfig)
			}
			srv.Listener, closer, bound = l, l, l.Addr()
		}
	}

	if err != nil {
		zlog.Error("DNS listener failed", "net", network, "addr", addr, "error", err.Error())
		return
	}

	zlog.Info("DNS server listening...", "net", network, "addr", bound.String())

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.closers = append(s.closers, closer)
	s.bound[network] = bound
	s.mu.Unlock()

	s.running.Add(1)
	go func() {
		defer s.running.Done()

		if err := srv.ActivateAndServe(); err != nil && !s.stopped.Load() {
			zlog.Error("DNS listener failed", "net", network, "addr", bound.String(), "error", err.Error())
		}

		started.Store(false)
	}()
}

// accept lets dynamic updates through, which the default func refuses as
// not implemented. The handler checks their sections.
func accept(dh dns.Header) dns.MsgAcceptAction {
	const qr = 1 << 15

	if int(dh.Bits>>11)&0xF == dns.OpcodeUpdate && dh.Bits&qr == 0 {
		return dns.MsgAccept
	}

	return dns.DefaultMsgAcceptFunc(dh)
}

func (s *Server) listenDOQ(certs *CertManager) {
	srv := &doq.Server{
		Addr:       s.doqAddr,
		Handler:    s,
		TLSConfig:  certs.TLSConfig(),
		TsigSecret: s.tsig,
	}

	s.mu.Lock()
	s.doq = srv
	s.mu.Unlock()

	zlog.Info("DNS server listening...", "net", "doq", "addr", s.doqAddr)

	s.running.Add(1)
	go func() {
		defer s.running.Done()

		s.doqStarted.Store(true)

		if err := srv.ListenAndServe(); err != nil && !s.stopped.Load() {
			zlog.Error("DNS listener failed", "net", "doq", "addr", s.doqAddr, "error", err.Error())
		}

		s.doqStarted.Store(false)
	}()
}

func (s *Server) listenDOH(certs *CertManager) {
	l, err := net.Listen("tcp", s.dohAddr)
	if err != nil {
		zlog.Error("DNS listener failed", "net", "doh", "addr", s.dohAddr, "error", err.Error())
		return
	}

	mux := http.NewServeMux()
	mux.Handle(doh.Path, &doh.Handler{Handler: s, TsigSecret: s.tsig, LocalAddr: l.Addr()})

	srv := &http.Server{
		Addr:         l.Addr().String(),
		Handler:      mux,
		TLSConfig:    certs.TLSConfig(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorLog:     log.New(httpLog{}, "", 0),
	}

	s.mu.Lock()
	s.doh = srv
	s.bound["doh"] = l.Addr()
	s.mu.Unlock()

	zlog.Info("DNS server listening...", "net", "doh", "addr", l.Addr().String())

	s.running.Add(1)
	go func() {
		defer s.running.Done()

		s.dohStarted.Store(true)

		if err := srv.Serve(tls.NewListener(l, srv.TLSConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("DNS listener failed", "net", "doh", "addr", srv.Addr, "error", err.Error())
		}

		s.dohStarted.Store(false)
	}()
}

// httpLog sends the errors of the HTTP server to the logger.
type httpLog struct{}

func (httpLog) Write(p []byte) (int, error) {
	zlog.Warn("Client http socket failed", "net", "doh", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Addr returns the bound address of the udp, tcp, tcp-tls or doh listener,
// nil when it is not listening.
func (s *Server) Addr(network string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bound[network]
}

// Stop shuts the listeners down and waits for them to return.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}

	s.mu.Lock()
	servers, closers, dq, dh, certs := s.servers, s.closers, s.doq, s.doh, s.certs
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, srv := range servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			// not activated yet; closing the socket ends it once it is
			_ = closers[i].Close()
		}
	}

	if dq != nil {
		if err := dq.Shutdown(); err != nil {
			zlog.Debug("DNS listener shutdown", "net", "doq", "addr", dq.Addr, "error", err.Error())
		}
	}

	if dh != nil {
		if err := dh.Shutdown(ctx); err != nil {
			zlog.Debug("DNS listener shutdown", "net", "doh", "addr", dh.Addr, "error", err.Error())
		}
	}

	if certs != nil {
		certs.Stop()
	}

	s.running.Wait()
}

// Stopped reports whether Stop has completed its shutdown.
func (s *Server) Stopped() bool {
	return s.stopped.Load() && !s.udpStarted.Load() && !s.tcpStarted.Load() &&
		!s.tlsStarted.Load() && !s.doqStarted.Load() && !s.dohStarted.Load()
}
