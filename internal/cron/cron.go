// Package cron exposes the cache refresh jobs behind
//
//	GET /api/cron/{live|fixtures|leagues|highlights}
//
// An external scheduler calls these with "Authorization: Bearer <secret>".
// Each job reloads its resources from upstream through the fetcher's refresh
// view, so the call window and fallbacks still apply.
package cron

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/httpx"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/metrics"
)

// Job names.
const (
	JobLive       = "live"
	JobFixtures   = "fixtures"
	JobLeagues    = "leagues"
	JobHighlights = "highlights"
)

// ErrUnknownJob is returned by Run for a name that is not a job.
var ErrUnknownJob = errors.New("unknown cron job")

// Refreshed describes one resource a job reloaded.
type Refreshed struct {
	Key    string       `json:"key"`
	Source fetch.Source `json:"source"`
	Count  int          `json:"count"`
}

// Report is the outcome of a job run.
type Report struct {
	Job        string      `json:"job"`
	Refreshed  []Refreshed `json:"refreshed"`
	Degraded   bool        `json:"degraded"`
	DurationMs int64       `json:"duration_ms"`
}

// Runner runs refresh jobs.
type Runner struct {
	Fetcher         *fetch.Fetcher
	FeaturedLeagues []string
	Sports          []string
	Now             func() time.Time
}

// Jobs lists the job names in a stable order.
func Jobs() []string {
	return []string{JobFixtures, JobHighlights, JobLeagues, JobLive}
}

// jobLabel bounds the metric label to known job names.
func jobLabel(job string) string {
	for _, j := range Jobs() {
		if j == job {
			return job
		}
	}
	return "unknown"
}

// Run executes the named job. Only ErrUnknownJob and context errors are
// returned; upstream trouble is reported through Report.Degraded.
func (c *Runner) Run(ctx context.Context, job string) (Report, error) {
	start := time.Now()
	f := c.Fetcher.Refresh()
	rep := Report{Job: job, Refreshed: []Refreshed{}}

	add := func(key string, src fetch.Source, n int) {
		rep.Refreshed = append(rep.Refreshed, Refreshed{Key: key, Source: src, Count: n})
		if src != fetch.SourceUpstream {
			rep.Degraded = true
		}
	}

	switch job {
	case JobLive:
		res, err := f.LiveScores(ctx)
		if err != nil {
			return rep, err
		}
		add(res.Key, res.Source, len(res.Data))

	case JobFixtures:
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		today := now().UTC()
		sports := c.Sports
		if len(sports) == 0 {
			sports = []string{fetch.DefaultSport}
		}
		for _, day := range []time.Time{today, today.AddDate(0, 0, 1)} {
			for _, sport := range sports {
				res, err := f.EventsByDay(ctx, day.Format(time.DateOnly), sport)
				if err != nil {
					return rep, err
				}
				add(res.Key, res.Source, len(res.Data))
			}
		}
		blocks, err := f.FeaturedFixtures(ctx, c.FeaturedLeagues)
		if err != nil {
			return rep, err
		}
		for _, b := range blocks {
			add(b.Key, b.Source, len(b.Events))
		}

	case JobLeagues:
		res, err := f.Leagues(ctx)
		if err != nil {
			return rep, err
		}
		add(res.Key, res.Source, len(res.Data))

	case JobHighlights:
		res, err := f.Highlights(ctx, "")
		if err != nil {
			return rep, err
		}
		add(res.Key, res.Source, len(res.Data))

	default:
		return rep, ErrUnknownJob
	}

	rep.DurationMs = time.Since(start).Milliseconds()
	return rep, nil
}

// Handler serves the cron endpoints.
type Handler struct {
	Runner *Runner
	// Secret is the expected bearer token. An empty Secret disables the
	// endpoints with 503.
	Secret string
}

// Routes returns a chi.Router serving GET /{job}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{job}", h.run)
	return r
}

func (h *Handler) authorized(r *http.Request) bool {
	token, ok := httpx.BearerToken(r)
	return ok && httpx.SecretMatches(token, h.Secret)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	label := jobLabel(job)
	log := logging.FromContext(r.Context()).With("job", label)

	if h.Secret == "" {
		metrics.CronRuns.WithLabelValues(label, "disabled").Inc()
		httpx.WriteError(w, http.StatusServiceUnavailable, "cron secret is not configured", "server_error", "cron_disabled")
		return
	}
	if !h.authorized(r) {
		metrics.CronRuns.WithLabelValues(label, "unauthorized").Inc()
		log.Warn("rejected cron call")
		httpx.WriteError(w, http.StatusUnauthorized, "invalid cron secret", "authentication_error", "invalid_cron_secret")
		return
	}

	rep, err := h.Runner.Run(r.Context(), job)
	switch {
	case errors.Is(err, ErrUnknownJob):
		httpx.WriteError(w, http.StatusNotFound, "unknown cron job "+job, "not_found_error", "unknown_job")
		return
	case err != nil:
		metrics.CronRuns.WithLabelValues(label, "error").Inc()
		log.Warn("cron job interrupted", "error", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "cron job interrupted", "server_error", "canceled")
		return
	}

	status := "ok"
	if rep.Degraded {
		status = "degraded"
	}
	metrics.CronRuns.WithLabelValues(label, status).Inc()
	log.Info("cron job finished", "status", status, "resources", len(rep.Refreshed), "duration_ms", rep.DurationMs)

	httpx.WriteJSON(w, http.StatusOK, rep)
}
