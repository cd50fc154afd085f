package matchday

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/matchday/internal/fetch"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/upstream"
)

//go:embed config.schema.json
var configSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("config.schema.json", configSchema)
	})
	return compiledSchema, schemaErr
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Upstream: UpstreamConfig{
			BaseURL:       upstream.DefaultBaseURL,
			APIKey:        upstream.DefaultAPIKey,
			Timeout:       Duration(upstream.DefaultTimeout),
			MaxAttempts:   upstream.DefaultMaxAttempts,
			RetryInterval: Duration(upstream.DefaultRetryInterval),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          Duration(30 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			MaxCalls:        90,
			Window:          Duration(time.Minute),
			MaxWait:         Duration(fetch.DefaultMaxWait),
			PerIPRPS:        10,
			PerIPBurst:      20,
			PerIPMaxClients: ratelimit.DefaultMaxClients,
		},
		Cache: CacheConfig{
			Backend:        BackendMemory,
			Prefix:         "matchday",
			Capacity:       10000,
			StaleRetention: Duration(24 * time.Hour),
			PurgeInterval:  Duration(10 * time.Minute),
		},
		CallLog: CallLogConfig{Backend: BackendNone},
		Fetch: FetchConfig{
			FeaturedLeagues: append([]string(nil), fetch.DefaultFeaturedLeagues...),
			Sports:          []string{fetch.DefaultSport},
			BatchDelay:      Duration(fetch.DefaultBatchDelay),
			Fallback:        "static",
		},
	}
}

// LoadConfig reads, schema-validates and parses a config file from the given
// path on top of DefaultConfig. Supported formats: JSON (.json), YAML (.yaml,
// .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var doc interface{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		// The validator expects JSON-decoded types.
		normalized, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
		doc = nil
		if err := json.Unmarshal(normalized, &doc); err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	cfg := DefaultConfig()
	switch ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Load returns DefaultConfig, or the file at path when path is non-empty,
// with the environment overlay applied and the result validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Platform names (PORT,
// REDIS_URL, ...) are read first; MATCHDAY_* names win when both are set.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(dst *string, names ...string) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				*dst = v
			}
		}
	}
	var errs []error
	integer := func(dst *int, names ...string) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				parsed, err := strconv.Atoi(v)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n, err))
					continue
				}
				*dst = parsed
			}
		}
	}
	dur := func(dst *Duration, names ...string) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				if err := dst.set(v); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n, err))
				}
			}
		}
	}
	list := func(dst *[]string, names ...string) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				var out []string
				for _, part := range strings.Split(v, ",") {
					if part = strings.TrimSpace(part); part != "" {
						out = append(out, part)
					}
				}
				*dst = out
			}
		}
	}

	integer(&cfg.Server.Port, "PORT", "MATCHDAY_PORT")
	list(&cfg.Server.CORSOrigins, "CORS_ORIGINS", "MATCHDAY_CORS_ORIGINS")
	str(&cfg.Log.Level, "LOG_LEVEL", "MATCHDAY_LOG_LEVEL")
	str(&cfg.Log.Format, "LOG_FORMAT", "MATCHDAY_LOG_FORMAT")

	str(&cfg.Upstream.BaseURL, "MATCHDAY_UPSTREAM_BASE_URL")
	str(&cfg.Upstream.APIKey, "SPORTSDB_API_KEY", "MATCHDAY_UPSTREAM_API_KEY")
	dur(&cfg.Upstream.Timeout, "MATCHDAY_UPSTREAM_TIMEOUT")
	integer(&cfg.Upstream.MaxAttempts, "MATCHDAY_UPSTREAM_MAX_ATTEMPTS")

	integer(&cfg.RateLimit.MaxCalls, "MATCHDAY_RATE_LIMIT_MAX_CALLS")
	dur(&cfg.RateLimit.Window, "MATCHDAY_RATE_LIMIT_WINDOW")
	dur(&cfg.RateLimit.MaxWait, "MATCHDAY_RATE_LIMIT_MAX_WAIT")
	integer(&cfg.RateLimit.PerIPMaxClients, "MATCHDAY_RATE_LIMIT_PER_IP_MAX_CLIENTS")

	str(&cfg.Cache.Backend, "MATCHDAY_CACHE_BACKEND")
	str(&cfg.Cache.RedisURL, "REDIS_URL", "MATCHDAY_CACHE_REDIS_URL")
	str(&cfg.Cache.DSN, "MATCHDAY_CACHE_DSN")
	str(&cfg.Cache.Prefix, "MATCHDAY_CACHE_PREFIX")

	str(&cfg.CallLog.Backend, "MATCHDAY_CALL_LOG_BACKEND")
	str(&cfg.CallLog.DSN, "MATCHDAY_CALL_LOG_DSN")

	list(&cfg.Fetch.FeaturedLeagues, "MATCHDAY_FEATURED_LEAGUES")
	list(&cfg.Fetch.Sports, "MATCHDAY_SPORTS")

	str(&cfg.Cron.Secret, "CRON_SECRET", "MATCHDAY_CRON_SECRET")
	str(&cfg.Admin.APIKey, "ADMIN_API_KEY", "MATCHDAY_ADMIN_API_KEY")
	str(&cfg.Admin.ReadOnlyKey, "ADMIN_READ_ONLY_KEY", "MATCHDAY_ADMIN_READ_ONLY_KEY")

	// A Redis URL in the environment selects the Redis backend unless a
	// backend was chosen explicitly.
	if getenv("REDIS_URL") != "" && getenv("MATCHDAY_CACHE_BACKEND") == "" && cfg.Cache.Backend == BackendMemory {
		cfg.Cache.Backend = BackendRedis
	}
	return errors.Join(errs...)
}

// ValidateConfig checks cross-field constraints the schema cannot express.
func ValidateConfig(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base_url must be an http(s) URL")
	}
	if cfg.Upstream.APIKey == "" {
		return fmt.Errorf("upstream api_key is required")
	}
	if cfg.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream max_attempts must be at least 1")
	}
	if cfg.Upstream.Timeout.Std() <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if cfg.RateLimit.MaxCalls < 1 {
		return fmt.Errorf("rate_limit max_calls must be at least 1")
	}
	if cfg.RateLimit.Window.Std() <= 0 {
		return fmt.Errorf("rate_limit window must be positive")
	}
	if cfg.RateLimit.PerIPRPS < 0 || cfg.RateLimit.PerIPBurst < 0 {
		return fmt.Errorf("rate_limit per-IP values must not be negative")
	}
	if cfg.RateLimit.PerIPRPS > 0 && cfg.RateLimit.PerIPBurst < 1 {
		return fmt.Errorf("rate_limit per_ip_burst must be at least 1 when per_ip_rps is set")
	}
	if cfg.RateLimit.PerIPRPS > 0 && cfg.RateLimit.PerIPMaxClients < 1 {
		return fmt.Errorf("rate_limit per_ip_max_clients must be at least 1 when per_ip_rps is set")
	}

	switch cfg.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("cache backend redis requires redis_url")
		}
	case BackendSQLite:
	case BackendPostgres:
		if cfg.Cache.DSN == "" {
			return fmt.Errorf("cache backend postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
	if strings.ContainsAny(cfg.Cache.Prefix, "*?[]") {
		return fmt.Errorf("cache prefix must not contain glob characters")
	}
	if cfg.Cache.StaleRetention.Std() < 0 {
		return fmt.Errorf("cache stale_retention must not be negative")
	}

	switch cfg.CallLog.Backend {
	case "", BackendNone, BackendSQLite:
	case BackendPostgres:
		if cfg.CallLog.DSN == "" {
			return fmt.Errorf("call_log backend postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown call_log backend: %q", cfg.CallLog.Backend)
	}

	for name, ttl := range cfg.Fetch.TTLs {
		if _, ok := fetch.DefaultTTLs[fetch.Resource(name)]; !ok {
			return fmt.Errorf("unknown ttl resource %q", name)
		}
		if ttl.Std() <= 0 {
			return fmt.Errorf("ttl for %q must be positive", name)
		}
	}
	switch cfg.Fetch.Fallback {
	case "", "static", "empty":
	default:
		return fmt.Errorf("unknown fallback provider: %q", cfg.Fetch.Fallback)
	}

	if cfg.Admin.APIKey != "" && cfg.Admin.APIKey == cfg.Admin.ReadOnlyKey {
		return fmt.Errorf("admin api_key and read_only_key must differ")
	}
	return nil
}

// ResourceTTLs converts the configured overrides for fetch.Options.
func (c FetchConfig) ResourceTTLs() map[fetch.Resource]time.Duration {
	out := make(map[fetch.Resource]time.Duration, len(c.TTLs))
	for name, ttl := range c.TTLs {
		out[fetch.Resource(name)] = ttl.Std()
	}
	return out
}
