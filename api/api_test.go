package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/authdns/catalog"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/handler"
	"github.com/semihalev/authdns/middleware"
)

var setupOnce sync.Once

var exampleCom = []string{
	"@ 3600 IN SOA ns1 hostmaster 1 7200 3600 1209600 300",
	"@ 3600 IN NS ns1",
	"ns1 3600 IN A 192.0.2.53",
	"www 3600 IN A 192.0.2.1",
}

func newAPI(t *testing.T, reload ReloadFunc) *API {
	t.Helper()

	cfg := &config.Config{
		MaxCNAMEChain: 8,
		Zones: []config.Zone{
			{Name: "example.com.", Type: config.ZonePrimary, Records: exampleCom},
			{Name: "example.net.", Type: config.ZoneSecondary, Primaries: []string{"127.0.0.1:1"}},
		},
	}

	c, err := catalog.Build(context.Background(), cfg, catalog.Deps{}, nil)
	require.NoError(t, err)

	holder := catalog.NewHolder(c)

	setupOnce.Do(func() {
		middleware.Register("authority", func(cfg *config.Config) middleware.Handler { return handler.New(cfg, holder) })
		require.NoError(t, middleware.Setup(cfg))
	})

	return New(cfg, holder, reload)
}

func do(t *testing.T, a *API, method, url string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, url, nil)
	w := httptest.NewRecorder()

	a.router.ServeHTTP(w, req)

	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	return body
}

func Test_Run(t *testing.T) {
	a := New(&config.Config{}, catalog.NewHolder(catalog.New()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	a.Run(ctx)
	cancel()

	a = New(&config.Config{API: "127.0.0.1:0"}, catalog.NewHolder(catalog.New()), nil)
	ctx, cancel = context.WithCancel(context.Background())
	a.Run(ctx)
	cancel()
}

func Test_Zones(t *testing.T) {
	a := newAPI(t, nil)

	w := do(t, a, http.MethodGet, "/api/v1/zones")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "authdns", w.Header().Get("Server"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	zones := decode(t, w)["zones"].([]any)
	require.Len(t, zones, 2)

	first := zones[0].(map[string]any)
	assert.Equal(t, "example.com.", first["name"])
	assert.Equal(t, float64(1), first["serial"])
	assert.Equal(t, true, first["loaded"])

	second := zones[1].(map[string]any)
	assert.Equal(t, "example.net.", second["name"])
	assert.Equal(t, false, second["loaded"])

	w = do(t, a, http.MethodGet, "/api/v1/zones/EXAMPLE.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "primary", decode(t, w)["type"])

	w = do(t, a, http.MethodGet, "/api/v1/zones/missing.org")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_Records(t *testing.T) {
	a := newAPI(t, nil)

	w := do(t, a, http.MethodGet, "/api/v1/zones/example.com/records")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/dns", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, len(exampleCom))
	assert.Contains(t, w.Body.String(), "example.com.\t3600\tIN\tSOA\tns1.example.com. hostmaster.example.com. 1 ")
	assert.Contains(t, w.Body.String(), "www.example.com.\t3600\tIN\tA\t192.0.2.1")

	w = do(t, a, http.MethodGet, "/api/v1/zones/example.net/records")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, a, http.MethodGet, "/api/v1/zones/missing.org/records")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_Lookup(t *testing.T) {
	a := newAPI(t, nil)

	w := do(t, a, http.MethodGet, "/api/v1/lookup/www.example.com/a")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "NOERROR", body["rcode"])
	assert.Equal(t, true, body["authoritative"])
	require.Len(t, body["answer"], 1)
	assert.Contains(t, body["answer"].([]any)[0], "192.0.2.1")

	w = do(t, a, http.MethodGet, "/api/v1/lookup/missing.example.com/A")
	require.Equal(t, http.StatusOK, w.Code)

	body = decode(t, w)
	assert.Equal(t, "NXDOMAIN", body["rcode"])
	require.Len(t, body["authority"], 1)

	w = do(t, a, http.MethodGet, "/api/v1/lookup/www.example.com/BOGUS")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_Reload(t *testing.T) {
	a := newAPI(t, nil)

	w := do(t, a, http.MethodPost, "/api/v1/reload")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do(t, a, http.MethodGet, "/api/v1/reload")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var calls int
	a = newAPI(t, func(context.Context) error {
		calls++
		return nil
	})

	w = do(t, a, http.MethodPost, "/api/v1/reload")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["zones"])
	assert.Equal(t, 1, calls)

	a = newAPI(t, func(context.Context) error { return errors.New("bad zone") })

	w = do(t, a, http.MethodPost, "/api/v1/reload")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "bad zone", decode(t, w)["error"])
}

func Test_StatusAndMetrics(t *testing.T) {
	a := newAPI(t, nil)

	w := do(t, a, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(2), body["zones"])
	assert.Contains(t, body, "uptime")

	w = do(t, a, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, a, http.MethodGet, "/nothere")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_Pattern(t *testing.T) {
	assert.Equal(t, "/api/v1/zones/{zone}/records", pattern("/api/v1/zones/:zone/records"))
	assert.Equal(t, "/debug/pprof/{path...}", pattern("/debug/pprof/*"))
	assert.Equal(t, "/debug/pprof/{$}", pattern("/debug/pprof/"))
	assert.Equal(t, "/metrics", pattern("/metrics"))
}

func Test_Pprof(t *testing.T) {
	debugpprof = true
	defer func() { debugpprof = false }()

	a := newAPI(t, nil)

	w := do(t, a, http.MethodGet, "/debug/")
	assert.Equal(t, http.StatusMovedPermanently, w.Code)

	w = do(t, a, http.MethodGet, "/debug/pprof/")
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_RouterGroup(t *testing.T) {
	r := NewRouter()

	v1 := r.Group("/api").Group("/v1")
	v1.GET("/echo/:name", func(ctx *Context) {
		ctx.JSON(http.StatusOK, Json{"name": ctx.Param("name"), "loud": ctx.Flag("loud")})
	})
	v1.POST("/boom", func(ctx *Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/echo/authdns?loud=true", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"name": "authdns", "loud": true}, decode(t, w))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/boom", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
