package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
)

// Metrics counts answered queries, how long they took and how large the
// responses were.
type Metrics struct {
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	size     *prometheus.HistogramVec
}

// New return new metrics.
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "rcode"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_request_duration_seconds",
				Help:    "Time spent answering DNS requests",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .25, 1},
			},
			[]string{"proto"},
		),
		size: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_response_size_bytes",
				Help:    "Size of the DNS responses written",
				Buckets: []float64{64, 128, 256, 512, 1232, 1500, 4096, 16384, 65535},
			},
			[]string{"proto"},
		),
	}

	m.queries = register(m.queries)
	m.duration = register(m.duration)
	m.size = register(m.size)

	return m
}

// register returns the collector already registered under the same
// descriptor, so a reload keeps counting into the same series.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}

	return c
}

// Name return middleware name.
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handler interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	if !ch.Writer.Written() {
		return
	}

	qtype := "none"
	if len(ch.Request.Question) > 0 {
		qtype = dns.TypeToString[ch.Request.Question[0].Qtype]
	}

	m.queries.With(prometheus.Labels{
		"qtype": qtype,
		"rcode": dns.RcodeToString[ch.Writer.Rcode()],
	}).Inc()

	proto := ch.Writer.Proto()
	m.duration.WithLabelValues(proto).Observe(time.Since(start).Seconds())
	m.size.WithLabelValues(proto).Observe(float64(ch.Writer.Size()))
}

const name = "metrics"
