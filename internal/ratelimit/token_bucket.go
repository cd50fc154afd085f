// Package ratelimit provides the two limiters used by matchday: a sliding
// call-log Window that budgets outbound calls to the sports-data API, and an
// in-memory token bucket used as HTTP middleware to throttle inbound API
// clients by IP.
package ratelimit

import (
	"container/list"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/metrics"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond (no extra burst).
func New(ratePerSecond, burst float64) *Limiter {
	return newLimiter(ratePerSecond, burst, time.Now)
}

func newLimiter(ratePerSecond, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	ok, _ := l.take()
	return ok
}

// take refills, then tries to consume a token. When refused it returns the
// time until one token is available.
func (l *Limiter) take() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.burst, l.tokens+elapsed*l.rate)
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Minute
	}
	missing := 1.0 - l.tokens
	return false, time.Duration(missing / l.rate * float64(time.Second))
}

// DefaultMaxClients bounds a Store created with a non-positive maxClients.
const DefaultMaxClients = 10000

// Store maintains per-key Limiter instances. It keeps at most maxClients
// limiters and drops the least recently seen key to admit a new one.
type Store struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	order      *list.List // front is most recently used
	rate       float64
	burst      float64
	maxClients int
	now        func() time.Time
}

type storeEntry struct {
	key string
	lim *Limiter
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64, maxClients int) *Store {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Store{
		limiters:   make(map[string]*list.Element),
		order:      list.New(),
		rate:       ratePerSecond,
		burst:      burst,
		maxClients: maxClients,
		now:        time.Now,
	}
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) bool {
	ok, _ := s.get(key).take()
	return ok
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *Store) get(key string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.limiters[key]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*storeEntry).lim
	}
	for s.order.Len() >= s.maxClients {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.limiters, oldest.Value.(*storeEntry).key)
	}
	l := newLimiter(s.rate, s.burst, s.now)
	s.limiters[key] = s.order.PushFront(&storeEntry{key: key, lim: l})
	return l
}

// Middleware rejects requests with 429 once the client IP exhausts its bucket.
// It expects chi's RealIP middleware (or equivalent) to have normalised
// r.RemoteAddr.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := s.get(clientIP(r)).take()
		if !ok {
			metrics.RateLimitRejections.WithLabelValues("ip").Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter.Seconds())))
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
