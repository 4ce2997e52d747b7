// Package doh serves DNS over HTTPS (RFC 8484) in wire format.
package doh

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/miekg/dns"
)

const (
	minMsgHeaderSize = 12
	maxMsgSize       = dns.MaxMsgSize

	// Path is where queries are served.
	Path = "/dns-query"

	contentType = "application/dns-message"
)

// Handler passes DoH requests to a DNS handler.
type Handler struct {
	Handler dns.Handler

	// TsigSecret verifies TSIG signed requests and signs their responses.
	TsigSecret map[string]string

	// LocalAddr is reported as the server address of every request.
	LocalAddr net.Addr
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		buf []byte
		err error
	)

	switch r.Method {
	case http.MethodGet:
		buf, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		if len(buf) == 0 || err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	case http.MethodPost:
		if r.Header.Get("Content-Type") != contentType {
			http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
			return
		}

		buf, err = io.ReadAll(io.LimitReader(r.Body, maxMsgSize+1))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if len(buf) > maxMsgSize {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if len(buf) < minMsgHeaderSize {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rw := newResponseWriter(h.LocalAddr, remoteAddr(r), buf, h.TsigSecret)
	rw.verify(req)

	h.Handler.ServeDNS(rw, req)

	if rw.packed == nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if rw.msg != nil {
		w.Header().Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(minTTL(rw.msg)), 10))
	}

	_, _ = w.Write(rw.packed)
}

func remoteAddr(r *http.Request) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}

	return addr
}

// minTTL is the freshness lifetime of a response, RFC 8484 section 5.1.
func minTTL(m *dns.Msg) uint32 {
	var (
		ttl   uint32
		found bool
	)

	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if t := rr.Header().Rrtype; t == dns.TypeOPT || t == dns.TypeTSIG {
				continue
			}

			if !found || rr.Header().Ttl < ttl {
				ttl, found = rr.Header().Ttl, true
			}
		}
	}

	return ttl
}
