package accesslog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/middleware"
	"github.com/semihalev/authdns/mock"
)

func Test_accesslog(t *testing.T) {
	cfg := &config.Config{
		Directory: t.TempDir(),
		AccessLog: "access_test.log",
	}

	a := New(cfg)

	assert.Equal(t, "accesslog", a.Name())
	require.NotNil(t, a.logFile)

	answer := middleware.HandlerFunc(func(ctx context.Context, ch *middleware.Chain) {
		ch.CancelWithRcode(dns.RcodeNameError, false)
	})

	req := new(dns.Msg)
	req.SetQuestion("Test.COM.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{a, answer})
	ch.Reset(mock.NewWriter("udp", "192.0.2.1:0"), req)
	ch.Next(context.Background())

	ch = middleware.NewChain([]middleware.Handler{a, answer})
	ch.Reset(mock.NewWriter("tcp", "127.0.0.255:0"), req)
	ch.Next(context.Background())

	ch = middleware.NewChain([]middleware.Handler{a})
	ch.Reset(mock.NewWriter("udp", "192.0.2.1:0"), req)
	ch.Next(context.Background())

	require.NoError(t, a.Close())

	data, err := os.ReadFile(filepath.Join(cfg.Directory, cfg.AccessLog))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "192.0.2.1 - ["))
	assert.Contains(t, lines[0], "\"test.com. IN A\" udp QUERY NXDOMAIN")

	ch = middleware.NewChain([]middleware.Handler{a, answer})
	ch.Reset(mock.NewWriter("udp", "192.0.2.1:0"), req)
	ch.Next(context.Background())
}

func Test_accesslogDisabled(t *testing.T) {
	a := New(&config.Config{})
	assert.Nil(t, a.logFile)
	assert.NoError(t, a.Close())
}
