package cron

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/ratelimit"
)

type recordingUpstream struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (u *recordingUpstream) Get(_ context.Context, endpoint string, params url.Values) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, endpoint+"?"+params.Encode())
	if u.fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	return []byte(`{"events":[],"leagues":[],"tvhighlights":[]}`), nil
}

func newRunner(t *testing.T, up *recordingUpstream) (*Runner, *cache.Service) {
	t.Helper()
	svc := cache.NewService(cache.NewMemory(100), cache.ServiceOptions{})
	f, err := fetch.New(fetch.Options{
		Cache:   svc,
		Limiter: ratelimit.NewWindow(100, time.Minute),
		Client:  up,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{
		Fetcher:         f,
		FeaturedLeagues: []string{"4328"},
		Now:             func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) },
	}, svc
}

func setupTestRouter(t *testing.T, secret string, up *recordingUpstream) chi.Router {
	t.Helper()
	runner, _ := newRunner(t, up)
	h := &Handler{Runner: runner, Secret: secret}
	r := chi.NewRouter()
	r.Mount("/api/cron", h.Routes())
	return r
}

func cronRequest(path, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestCron_Auth(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		token  string
		want   int
	}{
		{"no secret configured", "", "anything", http.StatusServiceUnavailable},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "guess", http.StatusUnauthorized},
		{"prefix of secret", "s3cret", "s3c", http.StatusUnauthorized},
		{"valid", "s3cret", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &recordingUpstream{}
			r := setupTestRouter(t, tt.secret, up)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, cronRequest("/api/cron/leagues", tt.token))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusOK && len(up.calls) != 0 {
				t.Errorf("rejected call reached upstream: %v", up.calls)
			}
		})
	}
}

func TestCron_UnknownJob(t *testing.T) {
	r := setupTestRouter(t, "s3cret", &recordingUpstream{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, cronRequest("/api/cron/everything", "s3cret"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCron_RefreshBypassesCache(t *testing.T) {
	up := &recordingUpstream{}
	runner, _ := newRunner(t, up)
	ctx := context.Background()

	if _, err := runner.Fetcher.Leagues(ctx); err != nil {
		t.Fatal(err)
	}
	rep, err := runner.Run(ctx, JobLeagues)
	if err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 2 {
		t.Errorf("upstream calls = %d, want 2", len(up.calls))
	}
	if rep.Degraded || len(rep.Refreshed) != 1 || rep.Refreshed[0].Source != fetch.SourceUpstream {
		t.Errorf("report = %+v", rep)
	}
}

func TestCron_FixturesJob(t *testing.T) {
	up := &recordingUpstream{}
	runner, svc := newRunner(t, up)

	rep, err := runner.Run(context.Background(), JobFixtures)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Refreshed) != 3 {
		t.Fatalf("refreshed = %+v", rep.Refreshed)
	}
	keys := svc.Keys(context.Background(), "fixtures:*")
	sort.Strings(keys)
	want := []string{"fixtures:day:2026-10-17:soccer", "fixtures:day:2026-10-18:soccer", "fixtures:next:4328"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestCron_DegradedReport(t *testing.T) {
	up := &recordingUpstream{fail: true}
	r := setupTestRouter(t, "s3cret", up)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, cronRequest("/api/cron/live", "s3cret"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var rep Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.Degraded || rep.Refreshed[0].Source != fetch.SourceFallback {
		t.Errorf("report = %+v", rep)
	}
}

func TestJobLabel(t *testing.T) {
	if jobLabel("live") != "live" || jobLabel("../etc") != "unknown" {
		t.Error("unexpected job labels")
	}
}
