// Package upstream is the HTTP client for the TheSportsDB-compatible sports
// data API. Requests take the form
//
//	GET {base_url}/{api_key}/{endpoint}.php?{params}
//
// Transport failures are retried with a constant backoff; non-2xx statuses
// and bodies that are not usable JSON are returned immediately.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ferro-labs/matchday/internal/metrics"
	"github.com/ferro-labs/matchday/internal/version"
)

// Defaults.
const (
	DefaultBaseURL       = "https://www.thesportsdb.com/api/v1/json"
	DefaultAPIKey        = "3"
	DefaultTimeout       = 8 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = time.Second

	maxBodyBytes = 8 << 20
)

// Endpoints used by the fetcher.
const (
	EndpointLiveScore       = "livescore"
	EndpointEventsDay       = "eventsday"
	EndpointLookupEvent     = "lookupevent"
	EndpointEventsNext      = "eventsnextleague"
	EndpointEventsPast      = "eventspastleague"
	EndpointAllLeagues      = "all_leagues"
	EndpointLookupLeague    = "lookupleague"
	EndpointLookupAllTeams  = "lookup_all_teams"
	EndpointLookupTeam      = "lookupteam"
	EndpointLookupVenue     = "lookupvenue"
	EndpointEventsHighlight = "eventshighlights"
	EndpointLookupTable     = "lookuptable"
)

var (
	// ErrEmptyResult is returned when the upstream answered 2xx with a body
	// that is empty, not JSON, or an error message.
	ErrEmptyResult = errors.New("upstream returned an empty result")

	// ErrStatus matches any *StatusError.
	ErrStatus = errors.New("upstream returned a non-2xx status")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.Endpoint, e.StatusCode, body)
}

// Is lets errors.Is(err, ErrStatus) match.
func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Attempt describes one HTTP attempt, passed to the Observer.
type Attempt struct {
	Endpoint   string
	Query      string
	Number     int
	StatusCode int
	Duration   time.Duration
	Err        error
	At         time.Time
}

// Observer is notified after every attempt, including retries.
type Observer func(ctx context.Context, a Attempt)

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Observer      Observer
}

// Client calls the sports data API.
type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	httpClient    *http.Client
	observer      Observer
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base url %q", opts.BaseURL)
	}
	c := &Client{
		baseURL:       base,
		apiKey:        opts.APIKey,
		timeout:       opts.Timeout,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		httpClient:    opts.HTTPClient,
		observer:      opts.Observer,
	}
	if c.apiKey == "" {
		c.apiKey = DefaultAPIKey
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryInterval < 0 {
		c.retryInterval = 0
	} else if c.retryInterval == 0 {
		c.retryInterval = DefaultRetryInterval
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// URL builds the request URL for endpoint and params.
func (c *Client) URL(endpoint string, params url.Values) string {
	u := c.baseURL + "/" + url.PathEscape(c.apiKey) + "/" + endpoint + ".php"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Get fetches endpoint and returns the raw JSON body. Errors are
// ErrEmptyResult, a *StatusError, a transport error after the retry budget
// is spent, or the context error.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	target := c.URL(endpoint, params)
	query := params.Encode()
	attempt := 0

	var body []byte
	op := func() error {
		attempt++
		began := time.Now()
		b, status, err := c.do(ctx, target)
		c.observe(ctx, Attempt{
			Endpoint:   endpoint,
			Query:      query,
			Number:     attempt,
			StatusCode: status,
			Duration:   time.Since(began),
			Err:        err,
			At:         began,
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			metrics.UpstreamRequests.WithLabelValues(endpoint, "transport_error").Inc()
			return err
		}
		if status < 200 || status > 299 {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "status_error").Inc()
			return backoff.Permanent(&StatusError{Endpoint: endpoint, StatusCode: status, Body: string(b)})
		}
		if err := validate(b); err != nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "empty").Inc()
			return backoff.Permanent(fmt.Errorf("upstream %s: %w", endpoint, err))
		}
		metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
		body = b
		return nil
	}

	var bo backoff.BackOff = backoff.NewConstantBackOff(c.retryInterval)
	bo = backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return body, nil
}

// do performs one attempt bounded by the per-attempt timeout.
func (c *Client) do(ctx context.Context, target string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return b, resp.StatusCode, nil
}

func (c *Client) observe(ctx context.Context, a Attempt) {
	if c.observer != nil {
		c.observer(ctx, a)
	}
}

// validate rejects bodies the parsers cannot use. The upstream answers some
// bad requests with 200 and a plain-text, {"error": ...} or {"message": ...}
// body.
func validate(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ErrEmptyResult
	}
	if b[0] != '{' && b[0] != '[' {
		return ErrEmptyResult
	}
	if !json.Valid(b) {
		return ErrEmptyResult
	}
	if b[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(b, &fields); err != nil || len(fields) == 0 {
			return ErrEmptyResult
		}
		if len(fields) == 1 {
			for k := range fields {
				if strings.EqualFold(k, "error") || strings.EqualFold(k, "message") {
					return ErrEmptyResult
				}
			}
		}
	}
	return nil
}
