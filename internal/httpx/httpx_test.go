package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Bearer", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSecretMatches(t *testing.T) {
	if !SecretMatches("s3cret", "s3cret") {
		t.Error("equal secrets should match")
	}
	for _, token := range []string{"s3cre", "s3cret!", ""} {
		if SecretMatches(token, "s3cret") {
			t.Errorf("%q should not match", token)
		}
	}
	if SecretMatches("", "") {
		t.Error("empty secret should match nothing")
	}
}

func TestWriteError_Defaults(t *testing.T) {
	tests := []struct {
		status   int
		wantType string
	}{
		{http.StatusUnauthorized, "authentication_error"},
		{http.StatusForbidden, "permission_error"},
		{http.StatusNotFound, "not_found_error"},
		{http.StatusTooManyRequests, "rate_limit_error"},
		{http.StatusBadRequest, "invalid_request_error"},
		{http.StatusBadGateway, "server_error"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.status, "boom", "", "")
		if w.Code != tt.status || w.Header().Get("Content-Type") != "application/json" {
			t.Fatalf("status %d: code=%d content-type=%q", tt.status, w.Code, w.Header().Get("Content-Type"))
		}
		var body struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Message != "boom" || body.Error.Type != tt.wantType || body.Error.Code != tt.wantType {
			t.Errorf("status %d: body = %+v", tt.status, body.Error)
		}
	}
}

func corsRequest(method, origin string, preflight bool) *http.Request {
	r := httptest.NewRequest(method, "/api/leagues", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	if preflight {
		r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	}
	return r
}

func TestCORS_AllowList(t *testing.T) {
	p := NewCORSPolicy([]string{" https://a.example/ ", ""})
	var reached int
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodOptions, "https://a.example", true))
	if w.Code != http.StatusNoContent || reached != 0 {
		t.Fatalf("preflight: code=%d reached=%d", w.Code, reached)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://a.example" {
		t.Errorf("allow origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" || w.Header().Get("Vary") != "Origin" {
		t.Errorf("preflight headers = %v", w.Header())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodOptions, "https://b.example", true))
	if w.Code != http.StatusForbidden || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("denied preflight: code=%d headers=%v", w.Code, w.Header())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodGet, "https://b.example", false))
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("denied simple request: code=%d headers=%v", w.Code, w.Header())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodGet, "https://a.example", false))
	if w.Header().Get("Access-Control-Expose-Headers") == "" || w.Header().Get("Access-Control-Allow-Methods") != "" {
		t.Errorf("simple request headers = %v", w.Header())
	}
}

func TestCORS_AnyOrigin(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"https://a.example", "*"}} {
		p := NewCORSPolicy(origins)
		if got, ok := p.AllowOrigin("https://z.example"); !ok || got != "*" {
			t.Errorf("%v: AllowOrigin = %q, %v", origins, got, ok)
		}
	}
}

func TestCORS_NoOriginPassesThrough(t *testing.T) {
	p := NewCORSPolicy([]string{"https://a.example"})
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, corsRequest(http.MethodOptions, "", false))
	if w.Code != http.StatusTeapot || len(w.Header()) != 0 {
		t.Errorf("code=%d headers=%v", w.Code, w.Header())
	}
}
