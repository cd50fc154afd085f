// Package fetch orchestrates cached reads of the sports data API.
//
// A read goes through these steps:
//
//  1. A fresh cache hit is returned without touching the rate limiter.
//  2. Concurrent misses for the same key share one load.
//  3. The circuit breaker and the sliding call window decide whether an
//     upstream call may be made. A refused call waits when the wait is short,
//     otherwise the load degrades.
//  4. A successful upstream body is parsed, cached with the resource TTL and
//     tags, and returned.
//  5. A failed load returns the expired cache entry when one exists, else the
//     fallback provider's records.
//
// Every Result names the Source that served it. The only errors returned are
// context errors.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/circuitbreaker"
	"github.com/ferro-labs/matchday/internal/fallback"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/metrics"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/upstream"
)

// Source names what served a Result.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceEmpty    Source = "empty"
)

// Result is the outcome of a fetch.
type Result[T any] struct {
	Data     T
	Source   Source
	Key      string
	StoredAt time.Time
}

// Defaults.
const (
	DefaultMaxWait    = 2 * time.Second
	DefaultBatchDelay = 250 * time.Millisecond
)

// errRateLimited marks a load refused by the call window.
var errRateLimited = errors.New("upstream call window exhausted")

// Upstream is the subset of *upstream.Client the fetcher uses.
type Upstream interface {
	Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// Options configures a Fetcher. Cache, Limiter and Client are required.
type Options struct {
	Cache    *cache.Service
	Limiter  *ratelimit.Window
	Breaker  *circuitbreaker.CircuitBreaker
	Client   Upstream
	Fallback fallback.Provider

	// MaxWait is the longest a load sleeps for the call window to free a
	// slot before degrading. Zero means DefaultMaxWait; negative never waits.
	MaxWait time.Duration
	// BatchDelay separates upstream sub-requests of batch fetches.
	BatchDelay time.Duration
	// TTLs overrides DefaultTTLs per resource.
	TTLs map[Resource]time.Duration

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Fetcher serves sports data from the cache, the upstream API, or fallbacks.
type Fetcher struct {
	cache      *cache.Service
	limiter    *ratelimit.Window
	breaker    *circuitbreaker.CircuitBreaker
	client     Upstream
	fallback   fallback.Provider
	maxWait    time.Duration
	batchDelay time.Duration
	ttls       map[Resource]time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
	group      *singleflight.Group

	// force skips the fresh-hit path.
	force bool
}

// New creates a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Cache == nil || opts.Limiter == nil || opts.Client == nil {
		return nil, errors.New("fetch: cache, limiter and client are required")
	}
	f := &Fetcher{
		cache:      opts.Cache,
		limiter:    opts.Limiter,
		breaker:    opts.Breaker,
		client:     opts.Client,
		fallback:   opts.Fallback,
		maxWait:    opts.MaxWait,
		batchDelay: opts.BatchDelay,
		ttls:       make(map[Resource]time.Duration, len(DefaultTTLs)),
		now:        opts.Now,
		sleep:      opts.Sleep,
		log:        opts.Logger,
		group:      &singleflight.Group{},
	}
	if f.breaker == nil {
		f.breaker = circuitbreaker.New(0, 0, 0)
	}
	if f.fallback == nil {
		f.fallback = fallback.Empty{}
	}
	if f.maxWait == 0 {
		f.maxWait = DefaultMaxWait
	}
	if f.batchDelay <= 0 {
		f.batchDelay = DefaultBatchDelay
	}
	for r, ttl := range DefaultTTLs {
		f.ttls[r] = ttl
	}
	for r, ttl := range opts.TTLs {
		if ttl > 0 {
			f.ttls[r] = ttl
		}
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.sleep == nil {
		f.sleep = sleepContext
	}
	if f.log == nil {
		f.log = logging.Component("fetch")
	}
	return f, nil
}

// Refresh returns a view of f that always loads from upstream, for cron
// jobs. Loads still respect the call window, the breaker, and fall back on
// failure. The view shares all state with f.
func (f *Fetcher) Refresh() *Fetcher {
	c := *f
	c.force = true
	return &c
}

// Limiter returns the outbound call window.
func (f *Fetcher) Limiter() *ratelimit.Window { return f.limiter }

// Breaker returns the upstream circuit breaker.
func (f *Fetcher) Breaker() *circuitbreaker.CircuitBreaker { return f.breaker }

// TTL returns the cache TTL applied to resource.
func (f *Fetcher) TTL(r Resource) time.Duration { return f.ttls[r] }

// request describes one cacheable upstream read.
type request[E any] struct {
	resource Resource
	endpoint string
	params   url.Values
	key      string
	tags     []string
	parse    func([]byte) ([]E, error)
	fallback func() []E
}

// BuildKey derives a deterministic cache key from a base and the parameter
// values, ordered by parameter name and lower-cased. Empty values become "_".
func BuildKey(base string, params url.Values) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(base)
	for _, name := range names {
		v := strings.ToLower(strings.TrimSpace(params.Get(name)))
		if v == "" {
			v = "_"
		}
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}

func fetchList[E any](ctx context.Context, f *Fetcher, req request[E]) (Result[[]E], error) {
	if err := ctx.Err(); err != nil {
		return Result[[]E]{}, err
	}
	res := string(req.resource)

	if !f.force {
		var data []E
		if f.cache.Get(ctx, req.key, &data) {
			metrics.CacheLookups.WithLabelValues(res, "hit").Inc()
			return done(req.resource, Result[[]E]{Data: nonNil(data), Source: SourceCache, Key: req.key}), nil
		}
		metrics.CacheLookups.WithLabelValues(res, "miss").Inc()
	}

	// The shared load runs detached from any single caller so one caller
	// going away does not fail the others. It is bounded by MaxWait and the
	// upstream per-attempt timeouts.
	loadCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(req.key, func() (any, error) {
		return load(loadCtx, f, req), nil
	})
	select {
	case <-ctx.Done():
		return Result[[]E]{}, ctx.Err()
	case r := <-ch:
		return done(req.resource, r.Val.(Result[[]E])), nil
	}
}

func done[T any](r Resource, res Result[T]) Result[T] {
	metrics.FetchResults.WithLabelValues(string(r), string(res.Source)).Inc()
	return res
}

func load[E any](ctx context.Context, f *Fetcher, req request[E]) Result[[]E] {
	log := logging.FromContext(ctx).With("resource", string(req.resource), "key", req.key)

	if !f.breaker.Allow() {
		log.Debug("circuit open, degrading")
		return degrade(ctx, f, req, circuitbreaker.ErrCircuitOpen)
	}

	ok, wait := f.limiter.Reserve()
	if !ok {
		metrics.RateLimitRejections.WithLabelValues("upstream").Inc()
		if f.maxWait >= 0 && wait <= f.maxWait {
			log.Debug("call window full, waiting", "wait", wait)
			if err := f.sleep(ctx, wait); err == nil {
				ok, _ = f.limiter.Reserve()
			}
		}
		if !ok {
			log.Info("call window exhausted, degrading", "wait", wait)
			return degrade(ctx, f, req, errRateLimited)
		}
	}
	metrics.UpstreamCallsRemaining.Set(float64(f.limiter.RemainingCalls()))

	body, err := f.client.Get(ctx, req.endpoint, req.params)
	if err != nil {
		if errors.Is(err, upstream.ErrEmptyResult) {
			f.breaker.RecordSuccess()
			log.Warn("upstream returned an unusable body", "error", err)
			return empty(ctx, f, req)
		}
		f.breaker.RecordFailure()
		log.Warn("upstream call failed, degrading", "error", err)
		return degrade(ctx, f, req, err)
	}
	f.breaker.RecordSuccess()

	data, err := req.parse(body)
	if err != nil {
		log.Warn("upstream payload did not parse", "error", err)
		return empty(ctx, f, req)
	}
	data = nonNil(data)

	ttl := f.ttls[req.resource]
	f.cache.Set(ctx, req.key, data, cache.SetOptions{
		TTLSeconds: int(ttl / time.Second),
		Tags:       req.tags,
	})
	return Result[[]E]{Data: data, Source: SourceUpstream, Key: req.key, StoredAt: f.now()}
}

// degrade serves the last cached value, expired or not, else the fallback.
func degrade[E any](ctx context.Context, f *Fetcher, req request[E], cause error) Result[[]E] {
	if res, ok := cached(ctx, f, req); ok {
		return res
	}
	logging.FromContext(ctx).Info("serving fallback records",
		"resource", string(req.resource), "key", req.key, "cause", cause)
	var data []E
	if req.fallback != nil {
		data = req.fallback()
	}
	return Result[[]E]{Data: nonNil(data), Source: SourceFallback, Key: req.key}
}

// empty handles an upstream that answered without usable data. Nothing is
// cached; the last cached value is still preferred over an empty answer.
func empty[E any](ctx context.Context, f *Fetcher, req request[E]) Result[[]E] {
	if res, ok := cached(ctx, f, req); ok {
		return res
	}
	return Result[[]E]{Data: []E{}, Source: SourceEmpty, Key: req.key}
}

func cached[E any](ctx context.Context, f *Fetcher, req request[E]) (Result[[]E], bool) {
	e, ok := f.cache.GetEntry(ctx, req.key)
	if !ok {
		return Result[[]E]{}, false
	}
	var data []E
	if err := e.Decode(&data); err != nil {
		return Result[[]E]{}, false
	}
	src := SourceCache
	if e.Expired(f.now()) {
		src = SourceStale
		metrics.CacheLookups.WithLabelValues(string(req.resource), "stale").Inc()
	}
	return Result[[]E]{Data: nonNil(data), Source: src, Key: req.key, StoredAt: time.UnixMilli(e.StoredAt)}, true
}

func nonNil[E any](s []E) []E {
	if s == nil {
		return []E{}
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
