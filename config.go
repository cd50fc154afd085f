package matchday

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the matchday server.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	CallLog   CallLogConfig   `json:"call_log" yaml:"call_log"`
	Fetch     FetchConfig     `json:"fetch" yaml:"fetch"`
	Cron      CronConfig      `json:"cron" yaml:"cron"`
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// UpstreamConfig configures the sports data API client.
type UpstreamConfig struct {
	BaseURL       string   `json:"base_url" yaml:"base_url"`
	APIKey        string   `json:"api_key" yaml:"api_key"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts   int      `json:"max_attempts" yaml:"max_attempts"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker in front of the upstream API.
type CircuitBreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

// RateLimitConfig holds the outbound call window and the inbound per-IP
// limit.
type RateLimitConfig struct {
	MaxCalls int      `json:"max_calls" yaml:"max_calls"`
	Window   Duration `json:"window" yaml:"window"`
	// MaxWait is how long a request may wait for a free slot before it is
	// served stale or fallback data. Negative never waits.
	MaxWait Duration `json:"max_wait" yaml:"max_wait"`

	// PerIPRPS and PerIPBurst limit inbound /api requests per client IP.
	// Zero disables the inbound limit.
	PerIPRPS   float64 `json:"per_ip_rps" yaml:"per_ip_rps"`
	PerIPBurst float64 `json:"per_ip_burst" yaml:"per_ip_burst"`
	// PerIPMaxClients caps how many client IPs are tracked at once. The
	// least recently seen IP is forgotten first.
	PerIPMaxClients int `json:"per_ip_max_clients" yaml:"per_ip_max_clients"`
}

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	Backend        string   `json:"backend" yaml:"backend"`
	RedisURL       string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	DSN            string   `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Prefix         string   `json:"prefix" yaml:"prefix"`
	Capacity       int      `json:"capacity" yaml:"capacity"`
	StaleRetention Duration `json:"stale_retention" yaml:"stale_retention"`
	// PurgeInterval is how often SQL backends delete expired rows.
	PurgeInterval Duration `json:"purge_interval" yaml:"purge_interval"`
}

// CallLogConfig selects where upstream attempts are recorded.
type CallLogConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// FetchConfig tunes the fetch orchestration.
type FetchConfig struct {
	FeaturedLeagues []string `json:"featured_leagues" yaml:"featured_leagues"`
	Sports          []string `json:"sports" yaml:"sports"`
	BatchDelay      Duration `json:"batch_delay" yaml:"batch_delay"`
	// TTLs overrides the per-resource cache TTL, keyed by resource name
	// (live, day_events, event, league_events, leagues, league, teams, team,
	// venue, highlights, standings).
	TTLs map[string]Duration `json:"ttls,omitempty" yaml:"ttls,omitempty"`
	// Fallback selects the degraded data provider: "static" or "empty".
	Fallback string `json:"fallback" yaml:"fallback"`
}

// CronConfig guards the refresh endpoints.
type CronConfig struct {
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// AdminConfig holds the bearer keys for /admin.
type AdminConfig struct {
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	ReadOnlyKey string `json:"read_only_key,omitempty" yaml:"read_only_key,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("8s",
// "1m30s") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"8s\": %w", err)
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"8s\": %w", err)
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
