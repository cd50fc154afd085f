package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/matchday/internal/calllog"
	"github.com/ferro-labs/matchday/internal/cron"
)

func newCallsCmd(opts *globalOptions) *cobra.Command {
	var (
		limit      int
		endpoint   string
		errorsOnly bool
		since      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recent upstream call attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if endpoint != "" {
				q.Set("endpoint", endpoint)
			}
			if errorsOnly {
				q.Set("errors", "true")
			}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}

			var resp struct {
				Data []calllog.Entry `json:"data"`
			}
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodGet, "/admin/calls", q, nil, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "TIME\tENDPOINT\tATTEMPT\tSTATUS\tDURATION\tERROR\n")
			for _, e := range resp.Data {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%dms\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Endpoint, e.Attempt, e.StatusCode, e.DurationMs, e.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", calllog.DefaultListLimit, "maximum number of entries")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "only show calls to this endpoint, e.g. eventsnext")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "only show failed attempts")
	cmd.Flags().DurationVar(&since, "since", 0, "only show calls newer than this, e.g. 1h")
	return cmd
}

func newRateLimitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit",
		Short: "Show the upstream call budget and circuit breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st struct {
				MaxCalls       int    `json:"max_calls"`
				WindowSeconds  int    `json:"window_seconds"`
				Remaining      int    `json:"remaining"`
				WaitMs         int64  `json:"wait_ms"`
				CircuitBreaker string `json:"circuit_breaker"`
				BreakerRetryMs int64  `json:"circuit_breaker_retry_ms"`
			}
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodGet, "/admin/ratelimit", nil, nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Remaining: %d / %d per %ds\n", st.Remaining, st.MaxCalls, st.WindowSeconds)
			if st.WaitMs > 0 {
				fmt.Fprintf(out, "Next slot: in %s\n", time.Duration(st.WaitMs)*time.Millisecond)
			}
			if st.CircuitBreaker != "" {
				fmt.Fprintf(out, "Breaker:   %s\n", st.CircuitBreaker)
			}
			if st.BreakerRetryMs > 0 {
				fmt.Fprintf(out, "Retry in:  %s\n", time.Duration(st.BreakerRetryMs)*time.Millisecond)
			}
			return nil
		},
	}
}

func newCronCmd(opts *globalOptions) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:       "cron <job>",
		Short:     "Trigger a cache refresh job on the server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: cron.Jobs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep cron.Report
			path := "/api/cron/" + url.PathEscape(args[0])
			if err := newClient(opts.server, secret).do(cmd.Context(), http.MethodGet, path, nil, nil, &rep); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "KEY\tSOURCE\tCOUNT\n")
			for _, r := range rep.Refreshed {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.Key, r.Source, r.Count)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			status := "ok"
			if rep.Degraded {
				status = "degraded"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished %s in %dms\n", rep.Job, status, rep.DurationMs)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("CRON_SECRET"), "cron secret (or CRON_SECRET)")
	return cmd
}
