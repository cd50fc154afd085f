package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL + "/api/v1/json"
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != DefaultBaseURL || c.apiKey != DefaultAPIKey {
		t.Errorf("base=%s key=%s", c.BaseURL(), c.apiKey)
	}
	if c.timeout != DefaultTimeout || c.maxAttempts != DefaultMaxAttempts || c.retryInterval != DefaultRetryInterval {
		t.Errorf("timeout=%v attempts=%d interval=%v", c.timeout, c.maxAttempts, c.retryInterval)
	}
	if _, err := New(Options{BaseURL: "ftp://x"}); err == nil {
		t.Error("expected error for non-http base url")
	}
}

func TestClient_URL(t *testing.T) {
	c, _ := New(Options{BaseURL: "https://example.test/api/v1/json/", APIKey: "123"})
	got := c.URL(EndpointEventsDay, url.Values{"s": {"Soccer"}, "d": {"2026-10-17"}})
	want := "https://example.test/api/v1/json/123/eventsday.php?d=2026-10-17&s=Soccer"
	if got != want {
		t.Errorf("URL = %s, want %s", got, want)
	}
}

func TestClient_GetSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/json/key/lookupteam.php" || r.URL.Query().Get("id") != "133604" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"teams":[{"idTeam":"133604"}]}`))
	}, Options{APIKey: "key"})

	body, err := c.Get(context.Background(), EndpointLookupTeam, url.Values{"id": {"133604"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != `{"teams":[{"idTeam":"133604"}]}` {
		t.Errorf("body = %s", body)
	}
}

func TestClient_EmptyResultNotRetried(t *testing.T) {
	bodies := []string{"", "   ", "Error: invalid key", "<html></html>", "{", `{}`, `{"error":"nope"}`, `{"Error":"nope"}`, `{"message":"API limit reached"}`}
	for _, b := range bodies {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(b))
		}, Options{})
		_, err := c.Get(context.Background(), EndpointLiveScore, nil)
		if !errors.Is(err, ErrEmptyResult) {
			t.Errorf("body %q: err = %v, want ErrEmptyResult", b, err)
		}
		if calls.Load() != 1 {
			t.Errorf("body %q: %d attempts, want 1", b, calls.Load())
		}
	}
}

func TestClient_StatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}, Options{})

	_, err := c.Get(context.Background(), EndpointAllLeagues, nil)
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Errorf("status error = %#v", se)
	}
	if calls.Load() != 1 {
		t.Errorf("%d attempts, want 1", calls.Load())
	}
}

func TestClient_TransportErrorsRetried(t *testing.T) {
	var mu sync.Mutex
	var attempts []Attempt
	obs := func(_ context.Context, a Attempt) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
	}

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			// Drop the connection to force a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijack unsupported")
			}
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"events":[]}`))
	}, Options{Observer: obs})

	if _, err := c.Get(context.Background(), EndpointEventsDay, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("%d calls, want 3", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0].Err == nil || attempts[2].Err != nil || attempts[2].Number != 3 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestClient_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		conn, _, _ := w.(http.Hijacker).Hijack()
		_ = conn.Close()
	}, Options{MaxAttempts: 3})

	_, err := c.Get(context.Background(), EndpointLookupEvent, nil)
	if err == nil || errors.Is(err, ErrEmptyResult) || errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("%d calls, want 3", calls.Load())
	}
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c := newTestClient(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 1})

	start := time.Now()
	if _, err := c.Get(context.Background(), EndpointLiveScore, nil); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, EndpointLiveScore, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
