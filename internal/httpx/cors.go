package httpx

import (
	"net/http"
	"strings"
)

// Headers browsers may send and read across origins.
const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, X-Request-ID"
	corsExposeHeaders = "X-Cache-Source, X-Request-ID"
	corsMaxAge        = "86400"
)

// CORSPolicy decides which browser origins may call the service.
type CORSPolicy struct {
	any     bool
	origins map[string]struct{}
}

// NewCORSPolicy builds a policy from configured origins. Blank entries are
// ignored. "*", or no origins at all, allows every origin.
func NewCORSPolicy(origins []string) *CORSPolicy {
	p := &CORSPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	if len(p.origins) == 0 {
		p.any = true
	}
	return p
}

// AllowOrigin returns the Access-Control-Allow-Origin value for origin, or
// false when the origin is not allowed.
func (p *CORSPolicy) AllowOrigin(origin string) (string, bool) {
	if p.any {
		return "*", true
	}
	if _, ok := p.origins[origin]; ok {
		return origin, true
	}
	return "", false
}

// Middleware annotates cross-origin requests and answers preflights with 204.
// Requests without an Origin header pass through untouched. A preflight from
// a disallowed origin is refused with 403.
func (p *CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		h := w.Header()
		if !p.any {
			h.Add("Vary", "Origin")
		}
		allow, ok := p.AllowOrigin(origin)
		if !ok {
			if preflight {
				WriteError(w, http.StatusForbidden, "origin not allowed", "permission_error", "cors_origin_denied")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Origin", allow)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		if preflight {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
