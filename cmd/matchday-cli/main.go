// Package main provides matchday-cli, the operator tool for a running
// matchday server and its configuration files.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/matchday"
	"github.com/ferro-labs/matchday/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	server string
	key    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "matchday-cli",
		Short:         "matchday command line tool",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("MATCHDAY_URL", "http://localhost:8080"), "matchday server base URL")
	root.PersistentFlags().StringVarP(&opts.key, "key", "k", os.Getenv("MATCHDAY_ADMIN_KEY"), "admin API key (or MATCHDAY_ADMIN_KEY)")

	root.AddCommand(
		newValidateCmd(),
		newCacheCmd(opts),
		newCallsCmd(opts),
		newRateLimitCmd(opts),
		newCronCmd(opts),
		newVersionCmd(),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a matchday configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := matchday.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := matchday.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config is valid\n")
			fmt.Fprintf(out, "  Port:       %d\n", cfg.Server.Port)
			fmt.Fprintf(out, "  Upstream:   %s\n", cfg.Upstream.BaseURL)
			fmt.Fprintf(out, "  Call limit: %d per %s\n", cfg.RateLimit.MaxCalls, cfg.RateLimit.Window)
			fmt.Fprintf(out, "  Cache:      %s\n", cfg.Cache.Backend)
			fmt.Fprintf(out, "  Call log:   %s\n", cfg.CallLog.Backend)
			fmt.Fprintf(out, "  Featured:   %s\n", strings.Join(cfg.Fetch.FeaturedLeagues, ", "))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "matchday-cli %s\n", version.String())
		},
	}
}
