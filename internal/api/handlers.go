// Package api serves the public JSON API. Every data route answers
//
//	{"data": ..., "source": "cache|upstream|stale|fallback|empty"}
//
// and mirrors the source in the X-Cache-Source header. Upstream and cache
// failures never surface as errors here; they show up as a stale, fallback
// or empty source.
package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/logging"
)

// SourceHeader carries the Source of the served data.
const SourceHeader = "X-Cache-Source"

var (
	idPattern     = regexp.MustCompile(`^[0-9]{1,12}$`)
	seasonPattern = regexp.MustCompile(`^[0-9]{4}(-[0-9]{4})?$`)
	sportPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z ]{0,39}$`)
)

// Handlers holds dependencies for the public API.
type Handlers struct {
	Fetcher         *fetch.Fetcher
	FeaturedLeagues []string
}

// Routes returns a chi.Router with all data endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/live", h.live)
	r.Get("/fixtures", h.fixtures)
	r.Get("/featured", h.featured)
	r.Get("/events/{id}", h.event)
	r.Get("/leagues", h.leagues)
	r.Get("/leagues/{id}", h.league)
	r.Get("/leagues/{id}/events", h.leagueEvents)
	r.Get("/leagues/{id}/teams", h.leagueTeams)
	r.Get("/leagues/{id}/standings", h.standings)
	r.Get("/teams/{id}", h.team)
	r.Get("/venues/{id}", h.venue)
	r.Get("/highlights", h.highlights)
	return r
}

type envelope struct {
	Data     interface{}  `json:"data"`
	Source   fetch.Source `json:"source"`
	StoredAt *time.Time   `json:"stored_at,omitempty"`
}

func writeResult[T any](w http.ResponseWriter, r *http.Request, res fetch.Result[T], err error) {
	if err != nil {
		// Only context errors reach here: the client went away or timed out.
		logging.FromContext(r.Context()).Debug("request ended before data was ready", "error", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "request canceled", "server_error", "canceled")
		return
	}
	env := envelope{Data: res.Data, Source: res.Source}
	if !res.StoredAt.IsZero() {
		at := res.StoredAt.UTC()
		env.StoredAt = &at
	}
	writeJSON(w, http.StatusOK, res.Source, env)
}

func writeRecord[T any](w http.ResponseWriter, r *http.Request, res fetch.Result[*T], err error, what string) {
	if err == nil && res.Data == nil {
		w.Header().Set(SourceHeader, string(res.Source))
		httpx.WriteError(w, http.StatusNotFound, what+" not found", "not_found_error", "not_found")
		return
	}
	writeResult(w, r, res, err)
}

func writeJSON(w http.ResponseWriter, status int, source fetch.Source, v interface{}) {
	if source != "" {
		w.Header().Set(SourceHeader, string(source))
	}
	httpx.WriteJSON(w, status, v)
}

// pathID returns the {id} URL parameter, writing a 400 if it is not numeric.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !idPattern.MatchString(id) {
		httpx.WriteError(w, http.StatusBadRequest, "id must be numeric", "invalid_request_error", "invalid_id")
		return "", false
	}
	return id, true
}

// queryDate returns the date query parameter (YYYY-MM-DD) or "".
func queryDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	d := r.URL.Query().Get("date")
	if d == "" {
		return "", true
	}
	if _, err := time.Parse(time.DateOnly, d); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", "invalid_request_error", "invalid_date")
		return "", false
	}
	return d, true
}

func (h *Handlers) live(w http.ResponseWriter, r *http.Request) {
	res, err := h.Fetcher.LiveScores(r.Context())
	writeResult(w, r, res, err)
}

func (h *Handlers) fixtures(w http.ResponseWriter, r *http.Request) {
	date, ok := queryDate(w, r)
	if !ok {
		return
	}
	sport := r.URL.Query().Get("sport")
	if sport != "" && !sportPattern.MatchString(sport) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid sport", "invalid_request_error", "invalid_sport")
		return
	}
	res, err := h.Fetcher.EventsByDay(r.Context(), date, sport)
	writeResult(w, r, res, err)
}

func (h *Handlers) featured(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.Fetcher.FeaturedFixtures(r.Context(), h.FeaturedLeagues)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "request canceled", "server_error", "canceled")
		return
	}
	// The block list is served from the worst source among its leagues.
	source := fetch.SourceCache
	for _, b := range blocks {
		if rank(b.Source) > rank(source) {
			source = b.Source
		}
	}
	writeJSON(w, http.StatusOK, source, envelope{Data: blocks, Source: source})
}

func rank(s fetch.Source) int {
	switch s {
	case fetch.SourceCache:
		return 0
	case fetch.SourceUpstream:
		return 1
	case fetch.SourceStale:
		return 2
	case fetch.SourceEmpty:
		return 3
	default:
		return 4
	}
}

func (h *Handlers) event(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.Event(r.Context(), id)
	writeRecord(w, r, res, err, "event")
}

func (h *Handlers) leagues(w http.ResponseWriter, r *http.Request) {
	res, err := h.Fetcher.Leagues(r.Context())
	writeResult(w, r, res, err)
}

func (h *Handlers) league(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.League(r.Context(), id)
	writeRecord(w, r, res, err, "league")
}

func (h *Handlers) leagueEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	when := r.URL.Query().Get("when")
	if when != "" && when != string(fetch.WhenNext) && when != string(fetch.WhenPast) {
		httpx.WriteError(w, http.StatusBadRequest, "when must be next or past", "invalid_request_error", "invalid_when")
		return
	}
	res, err := h.Fetcher.LeagueEvents(r.Context(), id, fetch.ParseWhen(when))
	writeResult(w, r, res, err)
}

func (h *Handlers) leagueTeams(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.Teams(r.Context(), id)
	writeResult(w, r, res, err)
}

func (h *Handlers) standings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	season := r.URL.Query().Get("season")
	if season != "" && !seasonPattern.MatchString(season) {
		httpx.WriteError(w, http.StatusBadRequest, "season must look like 2024 or 2024-2025", "invalid_request_error", "invalid_season")
		return
	}
	res, err := h.Fetcher.Standings(r.Context(), id, season)
	writeResult(w, r, res, err)
}

func (h *Handlers) team(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.Team(r.Context(), id)
	writeRecord(w, r, res, err, "team")
}

func (h *Handlers) venue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.Venue(r.Context(), id)
	writeRecord(w, r, res, err, "venue")
}

func (h *Handlers) highlights(w http.ResponseWriter, r *http.Request) {
	date, ok := queryDate(w, r)
	if !ok {
		return
	}
	res, err := h.Fetcher.Highlights(r.Context(), date)
	writeResult(w, r, res, err)
}
