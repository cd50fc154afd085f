package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/fallback"
	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/ratelimit"
)

// stubUpstream answers each endpoint with a canned body, or fails when down.
type stubUpstream struct {
	mu     sync.Mutex
	bodies map[string]string
	down   bool
	calls  []string
}

func (s *stubUpstream) Get(_ context.Context, endpoint string, params url.Values) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, endpoint+"?"+params.Encode())
	if s.down {
		return nil, errors.New("connection refused")
	}
	body, ok := s.bodies[endpoint]
	if !ok {
		return []byte(`{}`), nil
	}
	return []byte(body), nil
}

func setupTestRouter(t *testing.T, up *stubUpstream) chi.Router {
	t.Helper()
	svc := cache.NewService(cache.NewMemory(100), cache.ServiceOptions{})
	f, err := fetch.New(fetch.Options{
		Cache:    svc,
		Limiter:  ratelimit.NewWindow(100, time.Minute),
		Client:   up,
		Fallback: fallback.NewStatic(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	h := &Handlers{Fetcher: f, FeaturedLeagues: []string{"4328", "4335"}}
	r := chi.NewRouter()
	r.Mount("/api", h.Routes())
	return r
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

func TestLeagues_SourceHeader(t *testing.T) {
	up := &stubUpstream{bodies: map[string]string{
		"all_leagues": `{"leagues":[{"idLeague":"4328","strLeague":"English Premier League"}]}`,
	}}
	r := setupTestRouter(t, up)

	w := get(r, "/api/leagues")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(SourceHeader); got != "upstream" {
		t.Errorf("source header = %q, want upstream", got)
	}
	body := decode(t, w)
	if string(body["source"]) != `"upstream"` {
		t.Errorf("source = %s", body["source"])
	}
	if !strings.Contains(string(body["data"]), "English Premier League") {
		t.Errorf("data = %s", body["data"])
	}

	w = get(r, "/api/leagues")
	if got := w.Header().Get(SourceHeader); got != "cache" {
		t.Errorf("second source header = %q, want cache", got)
	}
	if len(up.calls) != 1 {
		t.Errorf("upstream calls = %v, want 1", up.calls)
	}
}

func TestUpstreamDown_ServesFallback(t *testing.T) {
	r := setupTestRouter(t, &stubUpstream{down: true})

	w := get(r, "/api/leagues/4328/teams")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(SourceHeader); got != "fallback" {
		t.Errorf("source header = %q, want fallback", got)
	}
	if !strings.Contains(w.Body.String(), "Arsenal") {
		t.Errorf("expected built-in fallback teams, got %s", w.Body.String())
	}
}

func TestFixtures_PassesDateAndSport(t *testing.T) {
	up := &stubUpstream{bodies: map[string]string{
		"eventsday": `{"events":[{"idEvent":"1","strHomeTeam":"A","strAwayTeam":"B"}]}`,
	}}
	r := setupTestRouter(t, up)

	w := get(r, "/api/fixtures?date=2026-10-17&sport=Basketball")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(up.calls) != 1 || up.calls[0] != "eventsday?d=2026-10-17&s=Basketball" {
		t.Errorf("calls = %v", up.calls)
	}
}

func TestBadInput(t *testing.T) {
	r := setupTestRouter(t, &stubUpstream{})
	tests := []struct {
		target string
		code   string
	}{
		{"/api/events/abc", "invalid_id"},
		{"/api/fixtures?date=17-10-2026", "invalid_date"},
		{"/api/fixtures?sport=%3Cscript%3E", "invalid_sport"},
		{"/api/leagues/4328/events?when=soon", "invalid_when"},
		{"/api/leagues/4328/standings?season=last", "invalid_season"},
		{"/api/highlights?date=yesterday", "invalid_date"},
	}
	for _, tt := range tests {
		w := get(r, tt.target)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.target, w.Code)
			continue
		}
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body.Error.Code != tt.code {
			t.Errorf("%s: code = %q, want %q", tt.target, body.Error.Code, tt.code)
		}
	}
}

func TestSingleRecord_NotFound(t *testing.T) {
	up := &stubUpstream{bodies: map[string]string{
		"lookupteam": `{"teams":null}`,
	}}
	r := setupTestRouter(t, up)

	w := get(r, "/api/teams/133604")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := w.Header().Get(SourceHeader); got != "upstream" {
		t.Errorf("source header = %q", got)
	}
}

func TestSingleRecord_Found(t *testing.T) {
	up := &stubUpstream{bodies: map[string]string{
		"lookupvenue": `{"venues":[{"idVenue":"15528","strVenue":"Emirates Stadium"}]}`,
	}}
	r := setupTestRouter(t, up)

	w := get(r, "/api/venues/15528")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	var v struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(body["data"], &v)
	if v.Name != "Emirates Stadium" {
		t.Errorf("venue = %s", body["data"])
	}
	if _, ok := body["stored_at"]; !ok {
		t.Error("expected stored_at")
	}
}

func TestFeatured_WorstSource(t *testing.T) {
	r := setupTestRouter(t, &stubUpstream{down: true})

	w := get(r, "/api/featured")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get(SourceHeader); got != "fallback" {
		t.Errorf("source header = %q, want fallback", got)
	}
	var body struct {
		Data []fetch.Featured `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 2 || body.Data[0].LeagueID != "4328" {
		t.Errorf("featured = %+v", body.Data)
	}
}

func TestLiveScores_EmptyIsArray(t *testing.T) {
	r := setupTestRouter(t, &stubUpstream{bodies: map[string]string{"livescore": `{"events":null}`}})

	w := get(r, "/api/live")
	body := decode(t, w)
	if string(body["data"]) != "[]" {
		t.Errorf("data = %s, want []", body["data"])
	}
}
