package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/matchday/internal/cache"
)

func newCacheCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the server cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st cache.Stats
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodGet, "/admin/cache/stats", nil, nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:     %s (healthy=%t)\n", st.Backend, st.Healthy)
			fmt.Fprintf(out, "Keys:        %d\n", st.Keys)
			fmt.Fprintf(out, "Hits:        %d\n", st.Hits)
			fmt.Fprintf(out, "Misses:      %d\n", st.Misses)
			fmt.Fprintf(out, "Stale reads: %d\n", st.StaleReads)
			fmt.Fprintf(out, "Sets:        %d\n", st.Sets)
			fmt.Fprintf(out, "Deletes:     %d\n", st.Deletes)
			fmt.Fprintf(out, "Errors:      %d\n", st.Errors)
			if len(st.Info) > 0 {
				names := make([]string, 0, len(st.Info))
				for k := range st.Info {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, k := range names {
					fmt.Fprintf(out, "  %s: %s\n", k, st.Info[k])
				}
			}
			return nil
		},
	}

	var limit int
	keysCmd := &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List cache keys matching a glob pattern (default *)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("pattern", args[0])
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Data    []string `json:"data"`
				Summary struct {
					Total int `json:"total_keys"`
				} `json:"summary"`
			}
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodGet, "/admin/cache/keys", q, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range resp.Data {
				fmt.Fprintln(out, k)
			}
			if resp.Summary.Total > len(resp.Data) {
				fmt.Fprintf(out, "(%d of %d keys)\n", len(resp.Data), resp.Summary.Total)
			}
			return nil
		},
	}
	keysCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of keys to print")

	var keys, tags, patterns []string
	invalidateCmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete cache entries by key, tag or glob pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(keys)+len(tags)+len(patterns) == 0 {
				return errors.New("at least one of --key, --tag or --pattern is required")
			}
			body := map[string][]string{"keys": keys, "tags": tags, "patterns": patterns}
			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodPost, "/admin/cache/invalidate", nil, body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cache entries.\n", resp.Deleted)
			return nil
		},
	}
	invalidateCmd.Flags().StringSliceVar(&keys, "key", nil, "cache key to delete (repeatable)")
	invalidateCmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to invalidate, e.g. league:4328 (repeatable)")
	invalidateCmd.Flags().StringSliceVar(&patterns, "pattern", nil, "glob pattern to delete, e.g. fixtures:* (repeatable)")

	tagCmd := &cobra.Command{
		Use:   "tag <tag>",
		Short: "List the keys indexed under a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []string `json:"data"`
			}
			path := "/admin/cache/tags/" + url.PathEscape(args[0])
			if err := newClient(opts.server, opts.key).do(cmd.Context(), http.MethodGet, path, nil, nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "TAG\tKEY\n")
			for _, k := range resp.Data {
				fmt.Fprintf(w, "%s\t%s\n", args[0], k)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(statsCmd, keysCmd, invalidateCmd, tagCmd)
	return cmd
}
