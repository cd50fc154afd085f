package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/matchday"
	"github.com/ferro-labs/matchday/internal/admin"
	"github.com/ferro-labs/matchday/internal/api"
	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/calllog"
	"github.com/ferro-labs/matchday/internal/circuitbreaker"
	"github.com/ferro-labs/matchday/internal/cron"
	"github.com/ferro-labs/matchday/internal/fallback"
	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/metrics"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/upstream"
)

const upstreamLabel = "sportsdb"

// app owns every long-lived component of the server.
type app struct {
	cfg     matchday.Config
	store   cache.Store
	cache   *cache.Service
	calls   calllog.Store
	limiter *ratelimit.Window
	breaker *circuitbreaker.CircuitBreaker
	fetcher *fetch.Fetcher
	log     *slog.Logger
}

// newApp builds the components described by cfg. A Redis backend that fails
// its startup ping is replaced by the in-memory store.
func newApp(ctx context.Context, cfg matchday.Config) (*app, error) {
	a := &app{cfg: cfg, log: logging.Component("server")}

	store, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.cache = cache.NewService(store, cache.ServiceOptions{
		Prefix:         cfg.Cache.Prefix,
		StaleRetention: cfg.Cache.StaleRetention.Std(),
	})

	a.calls, err = openCallLog(cfg.CallLog)
	if err != nil {
		_ = a.cache.Close()
		return nil, err
	}

	a.limiter = ratelimit.NewWindow(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window.Std())
	metrics.UpstreamCallsRemaining.Set(float64(cfg.RateLimit.MaxCalls))

	cb := cfg.Upstream.CircuitBreaker
	a.breaker = circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout.Std(),
		circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(upstreamLabel).Set(float64(to))
			a.log.Warn("upstream circuit breaker changed state", "from", from.String(), "to", to.String())
		}))
	metrics.CircuitBreakerState.WithLabelValues(upstreamLabel).Set(float64(circuitbreaker.StateClosed))

	client, err := upstream.New(upstream.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		Timeout:       cfg.Upstream.Timeout.Std(),
		MaxAttempts:   cfg.Upstream.MaxAttempts,
		RetryInterval: cfg.Upstream.RetryInterval.Std(),
		Observer:      fetch.RecordAttempts(a.limiter, a.calls),
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	var fb fallback.Provider = fallback.NewStatic()
	if cfg.Fetch.Fallback == "empty" {
		fb = fallback.Empty{}
	}

	a.fetcher, err = fetch.New(fetch.Options{
		Cache:      a.cache,
		Limiter:    a.limiter,
		Breaker:    a.breaker,
		Client:     client,
		Fallback:   fb,
		MaxWait:    cfg.RateLimit.MaxWait.Std(),
		BatchDelay: cfg.Fetch.BatchDelay.Std(),
		TTLs:       cfg.Fetch.ResourceTTLs(),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openCache(ctx context.Context) (cache.Store, error) {
	c := a.cfg.Cache
	switch c.Backend {
	case matchday.BackendRedis:
		r, err := cache.NewRedis(c.RedisURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			a.log.Warn("redis unreachable, falling back to in-memory cache", "error", err)
			return cache.NewMemory(c.Capacity), nil
		}
		return r, nil
	case matchday.BackendSQLite:
		return cache.NewSQLite(c.DSN)
	case matchday.BackendPostgres:
		return cache.NewPostgres(c.DSN)
	default:
		return cache.NewMemory(c.Capacity), nil
	}
}

func openCallLog(c matchday.CallLogConfig) (calllog.Store, error) {
	switch c.Backend {
	case matchday.BackendSQLite:
		return calllog.NewSQLiteStore(c.DSN)
	case matchday.BackendPostgres:
		return calllog.NewPostgresStore(c.DSN)
	default:
		return calllog.NoopStore{}, nil
	}
}

// purger is implemented by cache stores that do not expire rows on their own.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// runJanitor runs cache housekeeping every PurgeInterval until ctx is done:
// SQL stores drop expired rows, and every backend has tag index members
// pruned once their entries are gone.
func (a *app) runJanitor(ctx context.Context) {
	interval := a.cfg.Cache.PurgeInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	if p, ok := a.store.(purger); ok {
		n, err := p.PurgeExpired(ctx)
		switch {
		case err != nil:
			a.log.Warn("cache purge failed", "error", err)
		case n > 0:
			a.log.Debug("purged expired cache rows", "rows", n)
		}
	}
	a.cache.PruneTags(ctx)
}

// router builds the HTTP router.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(httpx.NewCORSPolicy(a.cfg.Server.CORSOrigins).Middleware)

	keys := admin.NewKeySet(a.cfg.Admin.APIKey, a.cfg.Admin.ReadOnlyKey)
	if keys.Len() == 0 {
		a.log.Warn("no admin keys configured; /admin rejects every request")
	}
	adminHandlers := &admin.Handlers{
		Keys:    keys,
		Cache:   a.cache,
		Limiter: a.limiter,
		Breaker: a.breaker,
	}
	if _, noop := a.calls.(calllog.NoopStore); !noop {
		adminHandlers.Calls = a.calls
	}

	r.Get("/health", adminHandlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	cronHandler := &cron.Handler{
		Runner: &cron.Runner{
			Fetcher:         a.fetcher,
			FeaturedLeagues: a.cfg.Fetch.FeaturedLeagues,
			Sports:          a.cfg.Fetch.Sports,
		},
		Secret: a.cfg.Cron.Secret,
	}
	r.Mount("/api/cron", cronHandler.Routes())

	apiHandlers := &api.Handlers{
		Fetcher:         a.fetcher,
		FeaturedLeagues: a.cfg.Fetch.FeaturedLeagues,
	}
	r.Route("/api", func(r chi.Router) {
		if rl := a.cfg.RateLimit; rl.PerIPRPS > 0 {
			r.Use(ratelimit.NewStore(rl.PerIPRPS, rl.PerIPBurst, rl.PerIPMaxClients).Middleware)
		}
		r.Mount("/", apiHandlers.Routes())
	})

	r.Mount("/admin", adminHandlers.Routes())

	return r
}

// Close releases the cache backend and the call log.
func (a *app) Close() error {
	var errs []error
	if a.calls != nil {
		if err := a.calls.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close call log: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
