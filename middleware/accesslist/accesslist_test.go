package accesslist

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/mock"
)

func serve(a *AccessList, proto, addr string) (reached bool, w *mock.Writer) {
	next := middleware.HandlerFunc(func(ctx context.Context, ch *middleware.Chain) {
		reached = true
	})

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(1232, false)

	w = mock.NewWriter(proto, addr)

	ch := middleware.NewChain([]middleware.Handler{a, next})
	ch.Reset(w, req)
	ch.Next(context.Background())

	return reached, w
}

func Test_AccesslistDefaults(t *testing.T) {
	cfg := new(config.Config)

	a := New(cfg)
	assert.Empty(t, cfg.AccessList)

	for _, addr := range []string{"8.8.8.8:0", "[2001:db8::1]:53"} {
		reached, _ := serve(a, "udp", addr)
		assert.True(t, reached, addr)
	}
}

func Test_Accesslist(t *testing.T) {
	cfg := new(config.Config)
	cfg.AccessList = []string{"127.0.0.1/32", "1"}

	a := New(cfg)
	assert.Equal(t, "accesslist", a.Name())

	reached, _ := serve(a, "udp", "127.0.0.1:0")
	assert.True(t, reached)

	reached, _ = serve(a, "tcp", "127.0.0.255:0")
	assert.True(t, reached)

	reached, w := serve(a, "udp", "192.0.2.1:53")
	assert.False(t, reached)
	assert.False(t, w.Written())

	reached, w = serve(a, "tcp", "192.0.2.1:53")
	assert.False(t, reached)
	require.True(t, w.Written())
	assert.Equal(t, dns.RcodeRefused, w.Rcode())

	opt := w.Msg().IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 1)
	assert.Equal(t, dns.ExtendedErrorCodeProhibited, opt.Option[0].(*dns.EDNS0_EDE).InfoCode)

	assert.False(t, a.Allowed(nil))
	assert.True(t, a.Allowed(net.ParseIP("127.0.0.1")))
}
