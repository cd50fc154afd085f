// Package matchday holds the configuration of the matchday sports-data
// service: a caching, rate-limited front for a third-party sports API.
//
// The server in cmd/matchday reads a [Config] from an optional YAML or JSON
// file with [Load], overlays environment variables, and wires the cache,
// the upstream call budget and the fetcher from it. cmd/matchday-cli checks
// configuration files with [LoadConfig] and [ValidateConfig] and talks to a
// running server's admin API.
package matchday
