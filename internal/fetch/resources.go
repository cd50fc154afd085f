package fetch

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ferro-labs/matchday/internal/sports"
	"github.com/ferro-labs/matchday/internal/upstream"
)

// Resource names a cached resource type. It labels metrics and selects the
// TTL.
type Resource string

const (
	ResourceLive         Resource = "live"
	ResourceDayEvents    Resource = "day_events"
	ResourceEvent        Resource = "event"
	ResourceLeagueEvents Resource = "league_events"
	ResourceLeagues      Resource = "leagues"
	ResourceLeague       Resource = "league"
	ResourceTeams        Resource = "teams"
	ResourceTeam         Resource = "team"
	ResourceVenue        Resource = "venue"
	ResourceHighlights   Resource = "highlights"
	ResourceStandings    Resource = "standings"
)

// DefaultTTLs are the cache TTLs per resource.
var DefaultTTLs = map[Resource]time.Duration{
	ResourceLive:         60 * time.Second,
	ResourceDayEvents:    300 * time.Second,
	ResourceEvent:        120 * time.Second,
	ResourceLeagueEvents: 600 * time.Second,
	ResourceLeagues:      86400 * time.Second,
	ResourceLeague:       86400 * time.Second,
	ResourceTeams:        86400 * time.Second,
	ResourceTeam:         86400 * time.Second,
	ResourceVenue:        604800 * time.Second,
	ResourceHighlights:   1800 * time.Second,
	ResourceStandings:    3600 * time.Second,
}

// Cache tags.
const (
	TagLive       = "live"
	TagFixtures   = "fixtures"
	TagEvents     = "events"
	TagLeagues    = "leagues"
	TagTeams      = "teams"
	TagVenues     = "venues"
	TagHighlights = "highlights"
	TagStandings  = "standings"
)

// LeagueTag groups every cached resource of one league.
func LeagueTag(leagueID string) string { return "league:" + leagueID }

// When selects upcoming or past league fixtures.
type When string

const (
	WhenNext When = "next"
	WhenPast When = "past"
)

// ParseWhen maps a query value to a When; anything but "past" is WhenNext.
func ParseWhen(s string) When {
	if strings.EqualFold(strings.TrimSpace(s), string(WhenPast)) {
		return WhenPast
	}
	return WhenNext
}

// DefaultSport is used by EventsByDay when no sport is given.
const DefaultSport = "Soccer"

// DefaultFeaturedLeagues are the leagues shown by FeaturedFixtures when no
// list is configured.
var DefaultFeaturedLeagues = []string{"4328", "4335", "4332", "4331", "4334"}

func params(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	return v
}

// LiveScores returns events currently in play.
func (f *Fetcher) LiveScores(ctx context.Context) (Result[[]sports.Event], error) {
	res, err := fetchList(ctx, f, request[sports.Event]{
		resource: ResourceLive,
		endpoint: upstream.EndpointLiveScore,
		key:      BuildKey("live:scores", nil),
		tags:     []string{TagLive},
		parse:    sports.ParseEvents,
		fallback: f.fallback.LiveScores,
	})
	if err != nil {
		return res, err
	}
	live := make([]sports.Event, 0, len(res.Data))
	for _, e := range res.Data {
		if e.Live() {
			live = append(live, e)
		}
	}
	res.Data = live
	return res, nil
}

// EventsByDay returns the fixtures of date (YYYY-MM-DD) for sport. An empty
// date means today; an empty sport means DefaultSport.
func (f *Fetcher) EventsByDay(ctx context.Context, date, sport string) (Result[[]sports.Event], error) {
	if date == "" {
		date = f.now().UTC().Format(time.DateOnly)
	}
	if sport == "" {
		sport = DefaultSport
	}
	p := params("d", date, "s", sport)
	return fetchList(ctx, f, request[sports.Event]{
		resource: ResourceDayEvents,
		endpoint: upstream.EndpointEventsDay,
		params:   p,
		key:      BuildKey("fixtures:day", p),
		tags:     []string{TagFixtures, TagEvents},
		parse:    sports.ParseEvents,
		fallback: func() []sports.Event { return f.fallback.Events(date, sport) },
	})
}

// Event returns a single event.
func (f *Fetcher) Event(ctx context.Context, id string) (Result[*sports.Event], error) {
	p := params("id", id)
	res, err := fetchList(ctx, f, request[sports.Event]{
		resource: ResourceEvent,
		endpoint: upstream.EndpointLookupEvent,
		params:   p,
		key:      BuildKey("events", p),
		tags:     []string{TagEvents},
		parse:    sports.ParseEvents,
		fallback: func() []sports.Event { return f.fallback.Event(id) },
	})
	return first(res, err, func(e sports.Event) bool { return e.ID == id })
}

// LeagueEvents returns the next or past fixtures of a league.
func (f *Fetcher) LeagueEvents(ctx context.Context, leagueID string, when When) (Result[[]sports.Event], error) {
	endpoint := upstream.EndpointEventsNext
	if when == WhenPast {
		endpoint = upstream.EndpointEventsPast
	} else {
		when = WhenNext
	}
	p := params("id", leagueID)
	return fetchList(ctx, f, request[sports.Event]{
		resource: ResourceLeagueEvents,
		endpoint: endpoint,
		params:   p,
		key:      BuildKey("fixtures:"+string(when), p),
		tags:     []string{TagFixtures, TagEvents, LeagueTag(leagueID)},
		parse:    sports.ParseEvents,
		fallback: func() []sports.Event { return f.fallback.LeagueEvents(leagueID) },
	})
}

// Leagues returns every league.
func (f *Fetcher) Leagues(ctx context.Context) (Result[[]sports.League], error) {
	return fetchList(ctx, f, request[sports.League]{
		resource: ResourceLeagues,
		endpoint: upstream.EndpointAllLeagues,
		key:      BuildKey("leagues:all", nil),
		tags:     []string{TagLeagues},
		parse:    sports.ParseLeagues,
		fallback: f.fallback.Leagues,
	})
}

// League returns one league.
func (f *Fetcher) League(ctx context.Context, id string) (Result[*sports.League], error) {
	p := params("id", id)
	res, err := fetchList(ctx, f, request[sports.League]{
		resource: ResourceLeague,
		endpoint: upstream.EndpointLookupLeague,
		params:   p,
		key:      BuildKey("leagues:id", p),
		tags:     []string{TagLeagues, LeagueTag(id)},
		parse:    sports.ParseLeagues,
		fallback: f.fallback.Leagues,
	})
	return first(res, err, func(l sports.League) bool { return l.ID == id })
}

// Teams returns the teams of a league.
func (f *Fetcher) Teams(ctx context.Context, leagueID string) (Result[[]sports.Team], error) {
	p := params("id", leagueID)
	return fetchList(ctx, f, request[sports.Team]{
		resource: ResourceTeams,
		endpoint: upstream.EndpointLookupAllTeams,
		params:   p,
		key:      BuildKey("teams:league", p),
		tags:     []string{TagTeams, LeagueTag(leagueID)},
		parse:    sports.ParseTeams,
		fallback: func() []sports.Team { return f.fallback.Teams(leagueID) },
	})
}

// Team returns one team.
func (f *Fetcher) Team(ctx context.Context, id string) (Result[*sports.Team], error) {
	p := params("id", id)
	res, err := fetchList(ctx, f, request[sports.Team]{
		resource: ResourceTeam,
		endpoint: upstream.EndpointLookupTeam,
		params:   p,
		key:      BuildKey("teams:id", p),
		tags:     []string{TagTeams},
		parse:    sports.ParseTeams,
		fallback: func() []sports.Team { return f.fallback.Teams("") },
	})
	return first(res, err, func(t sports.Team) bool { return t.ID == id })
}

// Venue returns one venue.
func (f *Fetcher) Venue(ctx context.Context, id string) (Result[*sports.Venue], error) {
	p := params("id", id)
	res, err := fetchList(ctx, f, request[sports.Venue]{
		resource: ResourceVenue,
		endpoint: upstream.EndpointLookupVenue,
		params:   p,
		key:      BuildKey("venues", p),
		tags:     []string{TagVenues},
		parse:    sports.ParseVenues,
		fallback: func() []sports.Venue { return f.fallback.Venue(id) },
	})
	return first(res, err, func(v sports.Venue) bool { return v.ID == id })
}

// Highlights returns highlight videos for date (YYYY-MM-DD), or the latest
// ones when date is empty.
func (f *Fetcher) Highlights(ctx context.Context, date string) (Result[[]sports.Highlight], error) {
	p := params("d", date)
	return fetchList(ctx, f, request[sports.Highlight]{
		resource: ResourceHighlights,
		endpoint: upstream.EndpointEventsHighlight,
		params:   p,
		key:      BuildKey("highlights", params("d", orLatest(date))),
		tags:     []string{TagHighlights},
		parse:    sports.ParseHighlights,
		fallback: func() []sports.Highlight { return f.fallback.Highlights(date) },
	})
}

// Standings returns a league table. An empty season means the current one.
func (f *Fetcher) Standings(ctx context.Context, leagueID, season string) (Result[[]sports.Standing], error) {
	p := params("l", leagueID, "s", season)
	return fetchList(ctx, f, request[sports.Standing]{
		resource: ResourceStandings,
		endpoint: upstream.EndpointLookupTable,
		params:   p,
		key:      BuildKey("standings", params("l", leagueID, "s", orLatest(season))),
		tags:     []string{TagStandings, LeagueTag(leagueID)},
		parse:    sports.ParseStandings,
		fallback: func() []sports.Standing { return f.fallback.Standings(leagueID) },
	})
}

// Featured is one league's block of upcoming fixtures.
type Featured struct {
	LeagueID string         `json:"league_id"`
	Events   []sports.Event `json:"events"`
	Source   Source         `json:"source"`
	Key      string         `json:"-"`
}

// FeaturedFixtures fetches the next fixtures of each league in turn,
// pausing BatchDelay after every sub-request that reached upstream.
func (f *Fetcher) FeaturedFixtures(ctx context.Context, leagueIDs []string) ([]Featured, error) {
	if len(leagueIDs) == 0 {
		leagueIDs = DefaultFeaturedLeagues
	}
	out := make([]Featured, 0, len(leagueIDs))
	for i, id := range leagueIDs {
		res, err := f.LeagueEvents(ctx, id, WhenNext)
		if err != nil {
			return out, err
		}
		out = append(out, Featured{LeagueID: id, Events: res.Data, Source: res.Source, Key: res.Key})
		if res.Source == SourceUpstream && i < len(leagueIDs)-1 {
			if err := f.sleep(ctx, f.batchDelay); err != nil {
				return out, err
			}
		}
	}
	f.log.Debug("featured fixtures assembled", "leagues", len(out))
	return out, nil
}

func orLatest(s string) string {
	if s == "" {
		return "latest"
	}
	return s
}

// first narrows a list result to its first matching record. A list without
// a match yields a nil record with the same Source.
func first[E any](res Result[[]E], err error, match func(E) bool) (Result[*E], error) {
	out := Result[*E]{Source: res.Source, Key: res.Key, StoredAt: res.StoredAt}
	if err != nil {
		return out, err
	}
	for i := range res.Data {
		if match(res.Data[i]) {
			rec := res.Data[i]
			out.Data = &rec
			return out, nil
		}
	}
	return out, nil
}
