package authority

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/domainr/dnsr"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/semihalev/authdns/cache"
	"github.com/semihalev/authdns/config"
	"github.com/semihalev/authdns/dnssec"
	"github.com/semihalev/authdns/dnsutil"
	"github.com/semihalev/authdns/update"
	"github.com/semihalev/authdns/zone"
)

// Strategy resolves a question outside the local zones.
type Strategy interface {
	Resolve(ctx context.Context, q dns.Question, do bool) (*dns.Msg, error)
}

// ForwardOptions configures a forward authority.
type ForwardOptions struct {
	Origin    string
	Strategy  string
	Upstreams []string
	Timeout   time.Duration

	// RateLimit is the number of upstream queries per second, zero is unlimited.
	RateLimit int

	// CacheSize is the number of responses cached, and for the recursive
	// strategy also the number of records it caches.
	CacheSize int
}

// Forward is an authority that answers from upstream servers, either by
// forwarding to configured resolvers or by iterative resolution from the root.
// It never accepts updates.
type Forward struct {
	origin   string
	strategy Strategy
	limiter  *rate.Limiter
	group    singleflight.Group
	answers  *cache.Cache

	// deadline bounds one shared upstream resolution.
	deadline time.Duration
}

const (
	defaultCacheSize = 4096
	defaultDeadline  = 5 * time.Second
)

// NewForward returns a forward authority.
func NewForward(opts ForwardOptions) (*Forward, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	origin := "."
	if opts.Origin != "" {
		origin = strings.ToLower(dns.Fqdn(opts.Origin))
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	f := &Forward{origin: origin, limiter: rate.NewLimiter(rate.Inf, 0), answers: cache.New(opts.CacheSize)}
	if opts.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	switch opts.Strategy {
	case "", config.StrategyForward:
		if len(opts.Upstreams) == 0 {
			return nil, fmt.Errorf("forward zone %s: %w", origin, ErrNoUpstream)
		}
		f.strategy = NewForwarder(opts.Upstreams, opts.Timeout)
		// udp and a tcp retry per upstream
		f.deadline = 2 * opts.Timeout * time.Duration(len(opts.Upstreams))
	case config.StrategyRecursive:
		f.strategy = NewRecursor(opts.CacheSize, opts.Timeout)
		f.deadline = opts.Timeout
	default:
		return nil, fmt.Errorf("forward zone %s: unknown strategy %q", origin, opts.Strategy)
	}

	return f, nil
}

// NewForwardWith returns a forward authority using strategy.
func NewForwardWith(origin string, strategy Strategy) *Forward {
	return &Forward{
		origin:   strings.ToLower(dns.Fqdn(origin)),
		strategy: strategy,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		answers:  cache.New(defaultCacheSize),
		deadline: defaultDeadline,
	}
}

// Origin returns the zone apex.
func (f *Forward) Origin() string { return f.origin }

// Type returns forward.
func (f *Forward) Type() string { return config.ZoneForward }

// DNSSECEnabled is always false; upstream answers are passed through.
func (f *Forward) DNSSECEnabled() bool { return false }

// SigningKeys returns nothing.
func (f *Forward) SigningKeys() []*dnssec.Key { return nil }

// Signer returns nil.
func (f *Forward) Signer() *dnssec.Signer { return nil }

// Policy returns nil.
func (f *Forward) Policy() *update.Policy { return nil }

// Snapshot returns nil.
func (f *Forward) Snapshot() *zone.Snapshot { return nil }

// Update refuses every request.
func (f *Forward) Update(context.Context, *update.Request, update.Token) (*zone.Change, error) {
	return nil, &update.AuthError{Reason: "forward zone " + f.origin + " does not accept updates"}
}

// Answer asks the upstream unless a cached response is still fresh.
// Identical questions in flight share one upstream query.
func (f *Forward) Answer(ctx context.Context, q Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	question := dns.Question{Name: dns.Fqdn(q.Name), Qtype: q.Type, Qclass: q.Class}
	if question.Qclass == 0 {
		question.Qclass = dns.ClassINET
	}

	key := cache.Key(question, q.DO)

	msg, err := f.cached(ctx, key, question, q.DO)
	if err != nil {
		return nil, err
	}
	if !q.DO {
		msg = dnsutil.ClearDNSSEC(msg)
	}

	r := &Response{
		Kind:  KindForwarded,
		Rcode: msg.Rcode,
		Hops:  q.Hops,
	}
	r.Answer = msg.Answer
	r.Ns = msg.Ns
	r.Extra = msg.Extra

	return r, nil
}

func (f *Forward) cached(ctx context.Context, key uint64, question dns.Question, do bool) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.Question = []dns.Question{question}

	if v, ok := f.answers.Get(key); ok {
		if msg, ok := v.(*cache.Item).Msg(req, time.Now()); ok {
			return msg, nil
		}
		f.answers.Remove(key)
	}

	// the resolution is shared, so it outlives the caller that started it
	shared := context.WithoutCancel(ctx)

	ch := f.group.DoChan(strconv.FormatUint(key, 16), func() (any, error) {
		if !f.limiter.Allow() {
			return nil, ErrRateLimited
		}

		ctx, cancel := context.WithTimeout(shared, f.deadline)
		defer cancel()

		resp, err := f.strategy.Resolve(ctx, question, do)
		if err != nil {
			return nil, err
		}

		if i := cache.NewItem(resp, time.Now()); i != nil {
			f.answers.Add(key, i)
		}

		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return dnsutil.ClearOPT(res.Val.(*dns.Msg).Copy()), nil
	}
}

// Forwarder sends questions to upstream resolvers in order, over UDP with a
// TCP retry when the answer is truncated.
type Forwarder struct {
	upstreams []string
	udp       *dns.Client
	tcp       *dns.Client
}

// NewForwarder returns a forwarder for upstreams.
func NewForwarder(upstreams []string, timeout time.Duration) *Forwarder {
	servers := make([]string, len(upstreams))
	for i, u := range upstreams {
		servers[i] = hostPort(u)
	}

	return &Forwarder{
		upstreams: servers,
		udp:       &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize},
		tcp:       &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Resolve asks each upstream in turn until one answers.
func (f *Forwarder) Resolve(ctx context.Context, q dns.Question, do bool) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.Question = []dns.Question{q}
	req.RecursionDesired = true
	req.SetEdns0(dns.DefaultMsgSize, do)

	var errs []error
	for _, server := range f.upstreams {
		resp, _, err := f.udp.ExchangeContext(ctx, req, server)
		if err == nil && resp.Truncated {
			resp, _, err = f.tcp.ExchangeContext(ctx, req, server)
		}

		if err != nil {
			zlog.Debug("Upstream query failed", "upstream", server, "query", q.Name, "error", err.Error())
			errs = append(errs, err)
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			errs = append(errs, fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode]))
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoUpstream, errors.Join(errs...))
}

// Recursor resolves iteratively from the root servers.
type Recursor struct {
	r *dnsr.Resolver
}

// NewRecursor returns a recursor caching up to size records.
func NewRecursor(size int, timeout time.Duration) *Recursor {
	if size <= 0 {
		size = 10000
	}

	return &Recursor{r: dnsr.NewResolver(
		dnsr.WithCache(size),
		dnsr.WithTimeout(timeout),
		dnsr.WithExpiry(),
		dnsr.WithTCPRetry(),
	)}
}

// Resolve resolves q. Only record types the iterative resolver knows are answered.
func (r *Recursor) Resolve(ctx context.Context, q dns.Question, do bool) (*dns.Msg, error) {
	qtype, ok := dns.TypeToString[q.Qtype]
	if !ok {
		return nil, fmt.Errorf("unsupported query type %d", q.Qtype)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(q.Name, q.Qtype)
	msg.Response = true
	msg.RecursionAvailable = true

	rrs, err := r.r.ResolveCtx(ctx, q.Name, qtype)
	if errors.Is(err, dnsr.NXDOMAIN) {
		msg.Rcode = dns.RcodeNameError
		return msg, nil
	}
	if err != nil {
		return nil, err
	}

	for _, rr := range rrs {
		if rr.Type != qtype && rr.Type != "CNAME" {
			continue
		}

		parsed, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(rr.Name), uint32(rr.TTL/time.Second), rr.Type, rr.Value))
		if err != nil {
			zlog.Debug("Skipping unparsable record", "name", rr.Name, "type", rr.Type, "error", err.Error())
			continue
		}
		msg.Answer = append(msg.Answer, parsed)
	}

	return msg, nil
}
