// Package admin serves the operator endpoints under /admin: cache inspection
// and invalidation, the upstream call budget, and the upstream call log.
// Every route requires a bearer key; write routes require the admin scope.
package admin

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/calllog"
	"github.com/ferro-labs/matchday/internal/circuitbreaker"
	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/version"
)

// Handlers holds dependencies for admin API endpoints.
type Handlers struct {
	// Keys authenticates every route. A nil Keys rejects all requests.
	Keys    Store
	Cache   *cache.Service
	Limiter *ratelimit.Window
	Breaker *circuitbreaker.CircuitBreaker
	// Calls is optional; the /calls routes answer 501 without it.
	Calls calllog.Store
	Now   func() time.Time
}

const maxListedKeys = 1000

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(Guard(h.Keys, ScopeReadOnly, ScopeAdmin))
		r.Get("/dashboard", h.dashboard)
		r.Get("/health", h.Health)
		r.Get("/cache/stats", h.cacheStats)
		r.Get("/cache/keys", h.listKeys)
		r.Get("/cache/entries/{key}", h.getEntry)
		r.Get("/cache/tags/{tag}", h.tagMembers)
		r.Get("/ratelimit", h.rateLimit)
		r.Get("/calls", h.listCalls)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(Guard(h.Keys, ScopeAdmin))
		r.Delete("/cache/keys", h.deletePattern)
		r.Delete("/cache/keys/{key}", h.deleteKey)
		r.Delete("/cache/tags/{tag}", h.deleteTag)
		r.Post("/cache/invalidate", h.invalidate)
		r.Delete("/calls", h.deleteCalls)
	})

	return r
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// limiterStatus reports the upstream call budget. The breaker fields are
// omitted when no breaker is attached.
type limiterStatus struct {
	MaxCalls        int    `json:"max_calls"`
	WindowSeconds   int    `json:"window_seconds"`
	Remaining       int    `json:"remaining"`
	WaitMs          int64  `json:"wait_ms"`
	CircuitBreaker  string `json:"circuit_breaker,omitempty"`
	BreakerFailures int    `json:"circuit_breaker_failures,omitempty"`
	BreakerRetryMs  int64  `json:"circuit_breaker_retry_ms,omitempty"`
}

func (h *Handlers) limiterStatus() limiterStatus {
	st := limiterStatus{
		MaxCalls:      h.Limiter.Max(),
		WindowSeconds: int(h.Limiter.Span() / time.Second),
		Remaining:     h.Limiter.RemainingCalls(),
		WaitMs:        h.Limiter.TimeUntilNextAvailable().Milliseconds(),
	}
	if h.Breaker != nil {
		snap := h.Breaker.Snapshot()
		st.CircuitBreaker = snap.State.String()
		st.BreakerFailures = snap.Failures
		if !snap.RetryAt.IsZero() {
			st.BreakerRetryMs = max(snap.RetryAt.Sub(h.now()).Milliseconds(), 0)
		}
	}
	return st
}

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"version":   version.Short(),
		"cache":     h.Cache.Stats(r.Context()),
		"ratelimit": h.limiterStatus(),
	}

	if h.Calls != nil {
		since := h.now().Add(-time.Hour)
		all, err := h.Calls.List(r.Context(), calllog.Query{Limit: 1, Since: &since})
		failed, ferr := h.Calls.List(r.Context(), calllog.Query{Limit: 1, Since: &since, ErrorsOnly: true})
		if err == nil && ferr == nil {
			resp["calls_last_hour"] = map[string]int{
				"total":  all.Total,
				"errors": failed.Total,
			}
		} else {
			logging.FromContext(r.Context()).Warn("call log unavailable for dashboard", "error", firstErr(err, ferr))
		}
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Health reports cache backend liveness and the remaining call budget. The
// status is "degraded" when the cache backend is unreachable or the
// circuit breaker is open; the response code stays 200 because cached and
// fallback data are still served.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	cacheOK := h.Cache.Ping(r.Context())
	limiter := h.limiterStatus()

	status := "healthy"
	if !cacheOK || (h.Breaker != nil && h.Breaker.State() == circuitbreaker.StateOpen) {
		status = "degraded"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"cache": map[string]interface{}{
			"backend": h.Cache.Backend().Name(),
			"healthy": cacheOK,
		},
		"ratelimit": limiter,
	})
}

func (h *Handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Cache.Stats(r.Context()))
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	limit := maxListedKeys
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	keys := h.Cache.Keys(r.Context(), pattern)
	sort.Strings(keys)
	total := len(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pattern": pattern,
		"data":    keys,
		"summary": map[string]interface{}{
			"total_keys":    total,
			"returned_keys": len(keys),
		},
	})
}

func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	e, ok := h.Cache.GetEntry(r.Context(), key)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "cache key not found", "not_found_error", "not_found")
		return
	}

	now := h.now()
	resp := map[string]interface{}{
		"key":       key,
		"stored_at": time.UnixMilli(e.StoredAt).UTC(),
		"age_ms":    e.Age(now).Milliseconds(),
		"expired":   e.Expired(now),
		"tags":      nonNil(e.Tags),
		"value":     e.Value,
	}
	if e.ExpiresAt != 0 {
		resp["expires_at"] = time.UnixMilli(e.ExpiresAt).UTC()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) tagMembers(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	members := h.Cache.TagMembers(r.Context(), tag)
	sort.Strings(members)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tag":  tag,
		"data": nonNil(members),
	})
}

func (h *Handlers) rateLimit(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.limiterStatus())
}

func (h *Handlers) deletePattern(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		httpx.WriteError(w, http.StatusBadRequest, "pattern is required; use * to clear everything", "invalid_request_error", "invalid_request")
		return
	}
	n := h.Cache.InvalidatePattern(r.Context(), pattern)
	logging.FromContext(r.Context()).Info("admin invalidated cache pattern", "pattern", pattern, "keys", n)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"pattern": pattern, "deleted": n})
}

func (h *Handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	n := h.Cache.Del(r.Context(), key)
	if n == 0 {
		httpx.WriteError(w, http.StatusNotFound, "cache key not found", "not_found_error", "not_found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"key": key, "deleted": n})
}

func (h *Handlers) deleteTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	n := h.Cache.InvalidateByTag(r.Context(), tag)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "deleted": n})
}

type invalidateRequest struct {
	Keys     []string `json:"keys"`
	Tags     []string `json:"tags"`
	Patterns []string `json:"patterns"`
}

func (h *Handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if len(req.Keys)+len(req.Tags)+len(req.Patterns) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "at least one of keys, tags or patterns is required", "invalid_request_error", "invalid_request")
		return
	}

	ctx := r.Context()
	deleted := 0
	if len(req.Keys) > 0 {
		deleted += h.Cache.Del(ctx, req.Keys...)
	}
	for _, tag := range req.Tags {
		deleted += h.Cache.InvalidateByTag(ctx, tag)
	}
	for _, p := range req.Patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		deleted += h.Cache.InvalidatePattern(ctx, p)
	}

	logging.FromContext(ctx).Info("admin invalidated cache",
		"keys", len(req.Keys), "tags", len(req.Tags), "patterns", len(req.Patterns), "deleted", deleted)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

func (h *Handlers) listCalls(w http.ResponseWriter, r *http.Request) {
	if h.Calls == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "call log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := calllog.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > calllog.MaxListLimit {
			parsed = calllog.MaxListLimit
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		since = &parsed
	}

	errorsOnly, _ := strconv.ParseBool(r.URL.Query().Get("errors"))
	result, err := h.Calls.List(r.Context(), calllog.Query{
		Limit:      limit,
		Offset:     offset,
		Endpoint:   r.URL.Query().Get("endpoint"),
		ErrorsOnly: errorsOnly,
		Since:      since,
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("list upstream calls", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to list upstream calls", "server_error", "internal_error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
	})
}

func (h *Handlers) deleteCalls(w http.ResponseWriter, r *http.Request) {
	if h.Calls == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "call log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	beforeRaw := r.URL.Query().Get("before")
	if beforeRaw == "" {
		httpx.WriteError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	before, err := time.Parse(time.RFC3339, beforeRaw)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	deleted, err := h.Calls.Delete(r.Context(), calllog.MaintenanceQuery{Before: &before})
	if err != nil {
		logging.FromContext(r.Context()).Error("delete upstream calls", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to delete upstream calls", "server_error", "internal_error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted, "before": beforeRaw})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
