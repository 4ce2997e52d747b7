// Package api serves the HTTP management interface: zone listing and
// export, lookups through the request pipeline, reload and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/semihalev/authdns/authority"
	"github.com/semihalev/authdns/catalog"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnsutil"
)

// ReloadFunc rebuilds the catalog from configuration.
type ReloadFunc func(ctx context.Context) error

// API type
type API struct {
	addr    string
	version string
	started time.Time

	catalog *catalog.Holder
	reload  ReloadFunc
	router  *Router
}

var debugpprof bool

func init() {
	_, debugpprof = os.LookupEnv("AUTHDNS_PPROF")
}

// New return new api
func New(cfg *config.Config, holder *catalog.Holder, reload ReloadFunc) *API {
	a := &API{
		addr:    cfg.API,
		version: cfg.ServerVersion(),
		started: time.Now(),
		catalog: holder,
		reload:  reload,
		router:  NewRouter(),
	}

	a.routes()

	return a
}

type zoneInfo struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Serial uint32   `json:"serial"`
	Loaded bool     `json:"loaded"`
	DNSSEC bool     `json:"dnssec"`
	Keys   []uint16 `json:"keys,omitempty"`
	Update bool     `json:"update"`
}

func describe(a authority.Authority) zoneInfo {
	info := zoneInfo{
		Name:   a.Origin(),
		Type:   a.Type(),
		DNSSEC: a.DNSSECEnabled(),
		Update: a.Policy() != nil,
	}

	if snap := a.Snapshot(); snap != nil {
		info.Loaded = true
		info.Serial = snap.Serial()
	}

	for _, k := range a.SigningKeys() {
		info.Keys = append(info.Keys, k.Tag())
	}

	return info
}

func (a *API) zones(ctx *Context) {
	cat := a.catalog.Load()

	list := make([]zoneInfo, 0, cat.Len())
	for _, name := range cat.Names() {
		list = append(list, describe(cat.Lookup(name)))
	}

	ctx.JSON(http.StatusOK, Json{"zones": list})
}

func (a *API) zone(ctx *Context) {
	name := dns.CanonicalName(ctx.Param("zone"))

	z := a.catalog.Load().Lookup(name)
	if z == nil {
		ctx.Error(http.StatusNotFound, name+" not found")
		return
	}

	ctx.JSON(http.StatusOK, describe(z))
}

// records exports the zone in master file format.
func (a *API) records(ctx *Context) {
	name := dns.CanonicalName(ctx.Param("zone"))

	z := a.catalog.Load().Lookup(name)
	if z == nil {
		ctx.Error(http.StatusNotFound, name+" not found")
		return
	}

	snap := z.Snapshot()
	if snap == nil {
		ctx.Error(http.StatusConflict, name+" has no local data")
		return
	}

	var b strings.Builder
	for _, rr := range snap.Records() {
		b.WriteString(rr.String())
		b.WriteByte('\n')
	}

	ctx.Data(http.StatusOK, "text/dns", []byte(b.String()))
}

// lookup answers a question through the full request pipeline.
func (a *API) lookup(ctx *Context) {
	qname := dns.Fqdn(ctx.Param("qname"))

	qtype, ok := dns.StringToType[strings.ToUpper(ctx.Param("qtype"))]
	if !ok {
		ctx.Error(http.StatusBadRequest, "unknown type "+ctx.Param("qtype"))
		return
	}

	req := new(dns.Msg)
	req.SetQuestion(qname, qtype)
	req.RecursionDesired = ctx.Flag("rd")
	if ctx.Flag("do") {
		req.SetEdns0(dns.DefaultMsgSize, true)
	}

	resp, err := dnsutil.ExchangeInternal(ctx.Request.Context(), req)
	if err != nil {
		ctx.Error(http.StatusBadGateway, err.Error())
		return
	}

	ctx.JSON(http.StatusOK, Json{
		"rcode":         dns.RcodeToString[resp.Rcode],
		"authoritative": resp.Authoritative,
		"answer":        rrStrings(resp.Answer),
		"authority":     rrStrings(resp.Ns),
		"additional":    rrStrings(dnsutil.ClearOPT(resp).Extra),
	})
}

func rrStrings(rrs []dns.RR) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, rr.String())
	}

	return out
}

func (a *API) reloadZones(ctx *Context) {
	if a.reload == nil {
		ctx.Error(http.StatusNotImplemented, "reload not available")
		return
	}

	if err := a.reload(ctx.Request.Context()); err != nil {
		ctx.Error(http.StatusInternalServerError, err.Error())
		return
	}

	ctx.JSON(http.StatusOK, Json{"success": true, "zones": a.catalog.Load().Len()})
}

func (a *API) status(ctx *Context) {
	status := Json{
		"version":    a.version,
		"uptime":     time.Since(a.started).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"zones":      a.catalog.Load().Len(),
	}

	if p, err := process.NewProcessWithContext(ctx.Request.Context(), int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfoWithContext(ctx.Request.Context()); err == nil {
			status["rss"] = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx.Request.Context()); err == nil {
			status["cpu"] = cpu
		}
	}

	ctx.JSON(http.StatusOK, status)
}

func (a *API) metrics(ctx *Context) {
	promhttp.Handler().ServeHTTP(ctx.Writer, ctx.Request)
}

func (a *API) routes() {
	if debugpprof {
		profiler := a.router.Group("/debug")
		{
			profiler.GET("/", func(ctx *Context) {
				http.Redirect(ctx.Writer, ctx.Request, profiler.path+"/pprof/", http.StatusMovedPermanently)
			})
			profiler.GET("/pprof/", func(ctx *Context) { pprof.Index(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/*", func(ctx *Context) { pprof.Index(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/cmdline", func(ctx *Context) { pprof.Cmdline(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/profile", func(ctx *Context) { pprof.Profile(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/symbol", func(ctx *Context) { pprof.Symbol(ctx.Writer, ctx.Request) })
			profiler.GET("/pprof/trace", func(ctx *Context) { pprof.Trace(ctx.Writer, ctx.Request) })
		}
	}

	v1 := a.router.Group("/api/v1")
	{
		v1.GET("/zones", a.zones)
		v1.GET("/zones/:zone", a.zone)
		v1.GET("/zones/:zone/records", a.records)
		v1.POST("/reload", a.reloadZones)
		v1.GET("/lookup/:qname/:qtype", a.lookup)
		v1.GET("/status", a.status)
	}

	a.router.GET("/metrics", a.metrics)
}

// Run API server
func (a *API) Run(ctx context.Context) {
	if a.addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("Start API server failed", "error", err.Error())
		}
	}()

	zlog.Info("API server listening...", "addr", a.addr)

	go func() {
		<-ctx.Done()

		zlog.Info("API server stopping...", "addr", a.addr)

		apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(apiCtx); err != nil {
			zlog.Error("Shutdown API server failed", "error", err.Error())
		}
	}()
}
