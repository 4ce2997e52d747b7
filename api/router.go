package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/semihalev/zlog/v2"
)

// Router dispatches on method and path. Routes use :name for a path
// parameter and a trailing * for the rest of the path.
type Router struct {
	mux *http.ServeMux

	ctxPool sync.Pool
}

var extraHeaders = map[string]string{
	"Server":                       "authdns",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET,POST",
	"Cache-Control":                "no-cache, no-store, no-transform, must-revalidate, private, max-age=0",
	"Pragma":                       "no-cache",
}

func NewRouter() *Router {
	r := &Router{mux: http.NewServeMux()}

	r.ctxPool.New = func() any {
		return &Context{}
	}

	return r
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			zlog.Error("Recovered in API", "recover", rec)

			_, _ = os.Stderr.WriteString(fmt.Sprintf("panic: %v\n\n", rec))
			debug.PrintStack()
		}
	}()

	for k, v := range extraHeaders {
		w.Header().Set(k, v)
	}

	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) Handle(method, path string, handle Handler) {
	rt.mux.HandleFunc(method+" "+pattern(path), func(w http.ResponseWriter, r *http.Request) {
		ctx := rt.ctxPool.Get().(*Context)
		ctx.Request, ctx.Writer = r, w

		handle(ctx)

		ctx.Request, ctx.Writer = nil, nil
		rt.ctxPool.Put(ctx)
	})
}

func (rt *Router) GET(path string, handle Handler) {
	rt.Handle(http.MethodGet, path, handle)
}

func (rt *Router) POST(path string, handle Handler) {
	rt.Handle(http.MethodPost, path, handle)
}

func (rt *Router) Group(rp string) *Group {
	return &Group{parent: rt, path: rp}
}

// pattern turns /zones/:zone and /pprof/* into ServeMux wildcards.
func pattern(path string) string {
	segments := strings.Split(path, "/")

	for i, s := range segments {
		switch {
		case strings.HasPrefix(s, ":"):
			segments[i] = "{" + s[1:] + "}"
		case s == "*" && i == len(segments)-1:
			segments[i] = "{path...}"
		}
	}

	p := strings.Join(segments, "/")
	if strings.HasSuffix(p, "/") && p != "/" {
		p += "{$}"
	}

	return p
}

// Group registers routes under a common path prefix.
type Group struct {
	parent *Router
	path   string
}

// Group returns a group nested under g.
func (g *Group) Group(rp string) *Group {
	return &Group{parent: g.parent, path: g.path + rp}
}

func (g *Group) Handle(method, path string, handle Handler) {
	g.parent.Handle(method, g.path+path, handle)
}

func (g *Group) GET(path string, handle Handler) {
	g.Handle(http.MethodGet, path, handle)
}

func (g *Group) POST(path string, handle Handler) {
	g.Handle(http.MethodPost, path, handle)
}
