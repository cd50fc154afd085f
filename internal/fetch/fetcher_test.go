package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/matchday/internal/cache"
	"github.com/ferro-labs/matchday/internal/calllog"
	"github.com/ferro-labs/matchday/internal/circuitbreaker"
	"github.com/ferro-labs/matchday/internal/fallback"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/sports"
	"github.com/ferro-labs/matchday/internal/upstream"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeUpstream struct {
	mu      sync.Mutex
	calls   int
	respond func(endpoint string, params url.Values) ([]byte, error)
}

func (u *fakeUpstream) Get(_ context.Context, endpoint string, params url.Values) ([]byte, error) {
	u.mu.Lock()
	u.calls++
	respond := u.respond
	u.mu.Unlock()
	return respond(endpoint, params)
}

func (u *fakeUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *fakeUpstream) set(fn func(endpoint string, params url.Values) ([]byte, error)) {
	u.mu.Lock()
	u.respond = fn
	u.mu.Unlock()
}

func respondBody(body string) func(string, url.Values) ([]byte, error) {
	return func(string, url.Values) ([]byte, error) { return []byte(body), nil }
}

func respondErr(err error) func(string, url.Values) ([]byte, error) {
	return func(string, url.Values) ([]byte, error) { return nil, err }
}

// fixedFallback returns one recognisable record per resource.
type fixedFallback struct{ fallback.Empty }

func (fixedFallback) Teams(string) []sports.Team {
	return []sports.Team{{ID: "fb-team", Name: "Fallback FC"}}
}

func (fixedFallback) Events(string, string) []sports.Event {
	return []sports.Event{{ID: "fb-event", Name: "Fallback vs Fallback"}}
}

type harness struct {
	clock   *testClock
	cache   *cache.Service
	limiter *ratelimit.Window
	up      *fakeUpstream
	f       *Fetcher
	slept   []time.Duration
}

func newHarness(t *testing.T, max int, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{clock: newTestClock(), up: &fakeUpstream{}}
	h.up.respond = respondBody(`{"teams":[{"idTeam":"1","strTeam":"Arsenal"}]}`)
	store := cache.NewMemory(100, cache.WithStoreClock(h.clock.Now))
	h.cache = cache.NewService(store, cache.ServiceOptions{Now: h.clock.Now})
	h.limiter = ratelimit.NewWindow(max, time.Minute, ratelimit.WithClock(h.clock.Now))
	var mu sync.Mutex
	opts := Options{
		Cache:    h.cache,
		Limiter:  h.limiter,
		Client:   h.up,
		Fallback: fixedFallback{},
		Breaker:  circuitbreaker.New(2, 1, time.Minute, circuitbreaker.WithClock(h.clock.Now)),
		Now:      h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			h.slept = append(h.slept, d)
			mu.Unlock()
			h.clock.Advance(d)
			return ctx.Err()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.f = f
	return h
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without cache, limiter and client")
	}
}

func TestBuildKey(t *testing.T) {
	tests := []struct {
		base   string
		params url.Values
		want   string
	}{
		{"leagues:all", nil, "leagues:all"},
		{"fixtures:day", url.Values{"s": {"Soccer"}, "d": {"2026-10-17"}}, "fixtures:day:2026-10-17:soccer"},
		{"fixtures:day", url.Values{"d": {"2026-10-17"}, "s": {"Soccer"}}, "fixtures:day:2026-10-17:soccer"},
		{"standings", url.Values{"l": {"4328"}, "s": {""}}, "standings:4328:_"},
	}
	for _, tt := range tests {
		if got := BuildKey(tt.base, tt.params); got != tt.want {
			t.Errorf("BuildKey(%q, %v) = %q, want %q", tt.base, tt.params, got, tt.want)
		}
	}
}

func TestFetch_HitPathSkipsLimiter(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	res, err := h.f.Teams(ctx, "4328")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceUpstream || len(res.Data) != 1 || res.Data[0].Name != "Arsenal" {
		t.Fatalf("first fetch = %+v", res)
	}
	remaining := h.limiter.RemainingCalls()
	if remaining != 9 {
		t.Fatalf("remaining = %d, want 9", remaining)
	}

	res, err = h.f.Teams(ctx, "4328")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceCache {
		t.Errorf("second fetch source = %s, want cache", res.Source)
	}
	if h.up.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", h.up.Calls())
	}
	if h.limiter.RemainingCalls() != remaining {
		t.Errorf("hit path consumed limiter budget")
	}
}

func TestFetch_UpstreamFailureServesStale(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	if _, err := h.f.Teams(ctx, "4328"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(DefaultTTLs[ResourceTeams] + time.Second)
	h.up.set(respondErr(errors.New("connection refused")))

	res, err := h.f.Teams(ctx, "4328")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceStale {
		t.Fatalf("source = %s, want stale", res.Source)
	}
	if len(res.Data) != 1 || res.Data[0].Name != "Arsenal" {
		t.Errorf("stale data = %+v", res.Data)
	}
	if res.StoredAt.IsZero() {
		t.Error("expected stored-at timestamp on stale result")
	}
}

func TestFetch_NoStaleServesFallback(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.up.set(respondErr(&upstream.StatusError{Endpoint: "lookup_all_teams", StatusCode: 500}))

	res, err := h.f.Teams(context.Background(), "4328")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceFallback {
		t.Fatalf("source = %s, want fallback", res.Source)
	}
	if len(res.Data) != 1 || res.Data[0].ID != "fb-team" {
		t.Errorf("fallback data = %+v", res.Data)
	}
	if _, ok := h.cache.GetEntry(context.Background(), res.Key); ok {
		t.Error("fallback data must not be cached")
	}
}

func TestFetch_MalformedBodyIsEmptyAndNotCached(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()
	h.up.set(respondErr(fmt.Errorf("upstream lookup_all_teams: %w", upstream.ErrEmptyResult)))

	res, err := h.f.Teams(ctx, "4328")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceEmpty || res.Data == nil || len(res.Data) != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}

	h.up.set(respondBody(`["not","an","object"]`))
	res, _ = h.f.Teams(ctx, "4328")
	if res.Source != SourceEmpty {
		t.Errorf("unparseable body source = %s, want empty", res.Source)
	}
	if h.up.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2 (nothing cached)", h.up.Calls())
	}
	if h.f.Breaker().State() != circuitbreaker.StateClosed {
		t.Error("empty answers must not trip the breaker")
	}
}

func TestFetch_ErrorMessageBodyKeepsLastGoodEntry(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()
	h.up.set(respondBody(`{"leagues":[{"idLeague":"4328","strLeague":"English Premier League"}]}`))
	if res, _ := h.f.Leagues(ctx); res.Source != SourceUpstream || len(res.Data) != 1 {
		t.Fatalf("first read = %+v", res)
	}

	h.clock.Advance(25 * time.Hour)
	h.up.set(respondBody(`{"message":"API limit reached, upgrade for more calls"}`))
	res, err := h.f.Leagues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceStale || len(res.Data) != 1 {
		t.Fatalf("error-message body: source=%s n=%d, want stale with 1 league", res.Source, len(res.Data))
	}

	e, ok := h.cache.GetEntry(ctx, res.Key)
	if !ok {
		t.Fatal("last good entry was removed")
	}
	var leagues []sports.League
	if err := e.Decode(&leagues); err != nil || len(leagues) != 1 {
		t.Errorf("cached leagues = %v (%v), want the last good list", leagues, err)
	}
	if h.f.Breaker().State() != circuitbreaker.StateClosed {
		t.Error("error-message bodies must not trip the breaker")
	}
}

func TestFetch_EmptyListIsCached(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()
	h.up.set(respondBody(`{"events":null}`))

	res, _ := h.f.EventsByDay(ctx, "2026-10-17", "Soccer")
	if res.Source != SourceUpstream || len(res.Data) != 0 {
		t.Fatalf("result = %+v", res)
	}
	res, _ = h.f.EventsByDay(ctx, "2026-10-17", "soccer")
	if res.Source != SourceCache {
		t.Errorf("source = %s, want cache", res.Source)
	}
}

func TestFetch_RateLimitedDegrades(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()

	if _, err := h.f.Teams(ctx, "4328"); err != nil {
		t.Fatal(err)
	}
	// The window is full for another 60s, longer than MaxWait.
	res, err := h.f.Teams(ctx, "4335")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceFallback {
		t.Errorf("source = %s, want fallback", res.Source)
	}
	if h.up.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", h.up.Calls())
	}
	if len(h.slept) != 0 {
		t.Errorf("slept %v, want no wait", h.slept)
	}
}

func TestFetch_RateLimitedWaitsWhenShort(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.MaxWait = 2 * time.Minute })
	ctx := context.Background()

	if _, err := h.f.Teams(ctx, "4328"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Second)

	res, err := h.f.Teams(ctx, "4335")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceUpstream {
		t.Errorf("source = %s, want upstream after waiting", res.Source)
	}
	if len(h.slept) != 1 || h.slept[0] != 30*time.Second {
		t.Errorf("slept %v, want [30s]", h.slept)
	}
}

func TestFetch_OpenBreakerSkipsUpstream(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()
	h.up.set(respondErr(errors.New("timeout")))

	_, _ = h.f.Teams(ctx, "a")
	_, _ = h.f.Teams(ctx, "b")
	if h.f.Breaker().State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker = %s, want open", h.f.Breaker().State())
	}

	res, _ := h.f.Teams(ctx, "c")
	if res.Source != SourceFallback {
		t.Errorf("source = %s, want fallback", res.Source)
	}
	if h.up.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", h.up.Calls())
	}
	if h.limiter.RemainingCalls() != 8 {
		t.Errorf("open breaker consumed limiter budget: remaining %d", h.limiter.RemainingCalls())
	}
}

func TestFetch_CoalescesConcurrentMisses(t *testing.T) {
	h := newHarness(t, 10, nil)
	release := make(chan struct{})
	var started atomic.Int32
	h.up.set(func(string, url.Values) ([]byte, error) {
		started.Add(1)
		<-release
		return []byte(`{"teams":[{"idTeam":"1","strTeam":"Arsenal"}]}`), nil
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result[[]sports.Team], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.f.Teams(context.Background(), "4328")
		}(i)
	}
	for started.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if h.up.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", h.up.Calls())
	}
	for i, r := range results {
		if len(r.Data) != 1 {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestFetch_CallerCancellation(t *testing.T) {
	h := newHarness(t, 10, nil)
	release := make(chan struct{})
	defer close(release)
	h.up.set(func(string, url.Values) ([]byte, error) {
		<-release
		return nil, errors.New("late")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.f.Teams(ctx, "4328"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestFetch_RefreshBypassesFreshHit(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	_, _ = h.f.Teams(ctx, "4328")
	h.up.set(respondBody(`{"teams":[{"idTeam":"2","strTeam":"Chelsea"}]}`))

	res, _ := h.f.Refresh().Teams(ctx, "4328")
	if res.Source != SourceUpstream || res.Data[0].Name != "Chelsea" {
		t.Fatalf("refresh = %+v", res)
	}
	res, _ = h.f.Teams(ctx, "4328")
	if res.Source != SourceCache || res.Data[0].Name != "Chelsea" {
		t.Errorf("after refresh = %+v", res)
	}
}

func TestFetch_LeagueTagInvalidation(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	_, _ = h.f.Teams(ctx, "4328")
	h.up.set(respondBody(`{"events":[{"idEvent":"9","strHomeTeam":"A","strAwayTeam":"B"}]}`))
	_, _ = h.f.LeagueEvents(ctx, "4328", WhenNext)

	if n := h.cache.InvalidateByTag(ctx, LeagueTag("4328")); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
	if keys := h.cache.Keys(ctx, "fixtures:*"); len(keys) != 0 {
		t.Errorf("keys after invalidation = %v", keys)
	}
}

func TestFetch_SingleRecordLookups(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()
	h.up.set(respondBody(`{"events":[{"idEvent":"441613","strEvent":"Liverpool vs Swansea"}]}`))

	res, err := h.f.Event(ctx, "441613")
	if err != nil || res.Data == nil || res.Data.Name != "Liverpool vs Swansea" {
		t.Fatalf("event = %+v err = %v", res, err)
	}
	res, _ = h.f.Event(ctx, "999")
	if res.Data != nil {
		t.Errorf("expected nil record for unmatched id, got %+v", res.Data)
	}
}

func TestFetch_LookupKeysDoNotCollideWithLists(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx := context.Background()

	h.up.set(respondBody(`{"leagues":[{"idLeague":"4328","strLeague":"English Premier League"}]}`))
	all, _ := h.f.Leagues(ctx)
	one, _ := h.f.League(ctx, "all")
	if all.Key == one.Key {
		t.Errorf("Leagues and League(all) share key %s", all.Key)
	}

	h.up.set(respondBody(`{"teams":[{"idTeam":"1","strTeam":"Arsenal"}]}`))
	list, _ := h.f.Teams(ctx, "4328")
	team, _ := h.f.Team(ctx, "league:4328")
	if list.Key == team.Key {
		t.Errorf("Teams(4328) and Team(league:4328) share key %s", list.Key)
	}
}

func TestFetch_LiveScoresFiltersFinished(t *testing.T) {
	h := newHarness(t, 10, nil)
	h.up.set(respondBody(`{"events":[
		{"idEvent":"1","strHomeTeam":"A","strAwayTeam":"B","strStatus":"2H"},
		{"idEvent":"2","strHomeTeam":"C","strAwayTeam":"D","strStatus":"FT"}]}`))

	res, _ := h.f.LiveScores(context.Background())
	if len(res.Data) != 1 || res.Data[0].ID != "1" {
		t.Errorf("live = %+v", res.Data)
	}
}

func TestFetch_FeaturedFixturesBatchDelay(t *testing.T) {
	h := newHarness(t, 10, func(o *Options) { o.BatchDelay = 250 * time.Millisecond })
	ctx := context.Background()
	h.up.set(respondBody(`{"events":[{"idEvent":"1","strHomeTeam":"A","strAwayTeam":"B"}]}`))

	// Prime one league so it is served from cache without a pause.
	_, _ = h.f.LeagueEvents(ctx, "4335", WhenNext)

	out, err := h.f.FeaturedFixtures(ctx, []string{"4328", "4335", "4332"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[1].Source != SourceCache {
		t.Fatalf("featured = %+v", out)
	}
	if len(h.slept) != 1 || h.slept[0] != 250*time.Millisecond {
		t.Errorf("slept %v, want one 250ms pause", h.slept)
	}
}

func TestRecordAttempts(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.NewWindow(10, time.Minute, ratelimit.WithClock(clock.Now))
	store := &memoryCallLog{}
	obs := RecordAttempts(limiter, store)

	ctx := context.Background()
	obs(ctx, upstream.Attempt{Endpoint: "livescore", Number: 1, StatusCode: 200, At: clock.Now()})
	obs(ctx, upstream.Attempt{Endpoint: "livescore", Number: 2, Err: errors.New("EOF"), At: clock.Now()})

	if len(store.entries) != 2 || store.entries[1].ErrorMessage != "EOF" {
		t.Fatalf("entries = %+v", store.entries)
	}
	if limiter.RemainingCalls() != 9 {
		t.Errorf("remaining = %d, want 9 (only the retry is charged)", limiter.RemainingCalls())
	}
}

type memoryCallLog struct {
	mu      sync.Mutex
	entries []calllog.Entry
}

func (m *memoryCallLog) Write(_ context.Context, e calllog.Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}
