package metrics

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/mock"
)

type answer struct{ rcode int }

func (a *answer) Name() string { return "answer" }

func (a *answer) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.CancelWithRcode(a.rcode, false)
}

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))

	return m.GetCounter().GetValue()
}

func Test_Metrics(t *testing.T) {
	m := New(&config.Config{})
	assert.Equal(t, "metrics", m.Name())

	req := new(dns.Msg)
	req.SetQuestion("test.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{m})
	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	assert.False(t, mw.Written())
	assert.Zero(t, value(t, m.queries.WithLabelValues("A", "NOERROR")))

	ch = middleware.NewChain([]middleware.Handler{m, &answer{rcode: dns.RcodeNameError}})
	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	assert.True(t, mw.Written())
	assert.Equal(t, 1.0, value(t, m.queries.WithLabelValues("A", "NXDOMAIN")))

	var sample dto.Metric
	require.NoError(t, m.size.WithLabelValues("udp").(prometheus.Histogram).Write(&sample))
	assert.Equal(t, uint64(1), sample.GetHistogram().GetSampleCount())
	assert.Equal(t, float64(mw.Msg().Len()), sample.GetHistogram().GetSampleSum())
}

func Test_MetricsReRegister(t *testing.T) {
	a := New(&config.Config{})
	b := New(&config.Config{})

	assert.Same(t, a.queries, b.queries)
	assert.Same(t, a.duration, b.duration)
	assert.Same(t, a.size, b.size)
}
