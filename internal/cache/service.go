package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/metrics"
)

// Defaults for ServiceOptions.
const (
	DefaultPrefix         = "matchday"
	DefaultStaleRetention = 24 * time.Hour
)

// Entry is the envelope stored for every cached value. Timestamps are Unix
// milliseconds; ExpiresAt == 0 means the entry never expires.
type Entry struct {
	Key       string          `json:"-"`
	Value     json.RawMessage `json:"value"`
	StoredAt  int64           `json:"stored_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

// Expired reports whether now is at or past the entry's expiry.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() >= e.ExpiresAt
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.StoredAt) * time.Millisecond
}

// Decode unmarshals the cached value into dst.
func (e Entry) Decode(dst interface{}) error {
	return json.Unmarshal(e.Value, dst)
}

// SetOptions controls expiry and tagging for Set. TTLSeconds <= 0 stores the
// entry without expiry.
type SetOptions struct {
	TTLSeconds int
	Tags       []string
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Prefix namespaces every backend key. Must not contain glob characters.
	Prefix string
	// StaleRetention is how long an entry stays in the backend after its TTL
	// so it can still be served by GetEntry when the upstream fails.
	StaleRetention time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Stats is a point-in-time snapshot of service counters.
type Stats struct {
	Backend    string            `json:"backend"`
	Healthy    bool              `json:"healthy"`
	Keys       int               `json:"keys"`
	Hits       int64             `json:"hits"`
	Misses     int64             `json:"misses"`
	StaleReads int64             `json:"stale_reads"`
	Sets       int64             `json:"sets"`
	Deletes    int64             `json:"deletes"`
	Errors     int64             `json:"errors"`
	Info       map[string]string `json:"info,omitempty"`
}

// Service is the cache used by the fetcher. Backend failures never reach the
// caller: reads degrade to a miss and writes to a no-op, both logged and
// counted.
type Service struct {
	store          Store
	valuePrefix    string
	tagPrefix      string
	staleRetention time.Duration
	now            func() time.Time
	log            *slog.Logger

	// mu serialises the read-modify-write sequences on the tag index.
	mu sync.Mutex

	hits, misses, staleReads, sets, deletes, errors atomic.Int64
}

// NewService wraps store.
func NewService(store Store, opts ServiceOptions) *Service {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.StaleRetention < 0 {
		opts.StaleRetention = 0
	} else if opts.StaleRetention == 0 {
		opts.StaleRetention = DefaultStaleRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("cache")
	}
	return &Service{
		store:          store,
		valuePrefix:    opts.Prefix + ":v:",
		tagPrefix:      opts.Prefix + ":t:",
		staleRetention: opts.StaleRetention,
		now:            opts.Now,
		log:            opts.Logger.With("backend", store.Name()),
	}
}

// Backend returns the underlying store.
func (s *Service) Backend() Store { return s.store }

func (s *Service) valueKey(key string) string { return s.valuePrefix + key }
func (s *Service) tagKey(tag string) string   { return s.tagPrefix + tag }

func (s *Service) backendError(ctx context.Context, op string, err error) {
	s.errors.Add(1)
	metrics.CacheBackendErrors.WithLabelValues(s.store.Name(), op).Inc()
	logging.FromContext(ctx).Warn("cache backend error, degrading",
		"backend", s.store.Name(), "op", op, "error", err)
}

// lookup reads the raw envelope regardless of expiry.
func (s *Service) lookup(ctx context.Context, key string) (Entry, bool) {
	raw, ok, err := s.store.Get(ctx, s.valueKey(key))
	if err != nil {
		s.backendError(ctx, "get", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.log.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return Entry{}, false
	}
	e.Key = key
	return e, true
}

// Get decodes a fresh (non-expired) entry into dst and reports whether it did.
func (s *Service) Get(ctx context.Context, key string, dst interface{}) bool {
	e, ok := s.lookup(ctx, key)
	if !ok || e.Expired(s.now()) {
		s.misses.Add(1)
		return false
	}
	if err := e.Decode(dst); err != nil {
		s.log.Warn("cached value does not match destination", "key", key, "error", err)
		s.misses.Add(1)
		return false
	}
	s.hits.Add(1)
	return true
}

// GetEntry returns the stored entry even if it has expired. It is the stale
// path: callers decide whether an expired value is acceptable.
func (s *Service) GetEntry(ctx context.Context, key string) (Entry, bool) {
	e, ok := s.lookup(ctx, key)
	if ok && e.Expired(s.now()) {
		s.staleReads.Add(1)
	}
	return e, ok
}

// Set stores value under key and indexes it under opts.Tags. A key that was
// previously tagged differently is removed from the tags it no longer has.
// It reports whether the write reached the backend.
func (s *Service) Set(ctx context.Context, key string, value interface{}, opts SetOptions) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Error("cache value is not serializable", "key", key, "error", err)
		return false
	}

	now := s.now()
	e := Entry{Value: raw, StoredAt: now.UnixMilli(), Tags: normalizeTags(opts.Tags)}
	var backendTTL time.Duration
	if opts.TTLSeconds > 0 {
		ttl := time.Duration(opts.TTLSeconds) * time.Second
		e.ExpiresAt = now.Add(ttl).UnixMilli()
		backendTTL = ttl + s.staleRetention
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.log.Error("encode cache entry", "key", key, "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var previous []string
	if old, ok := s.lookup(ctx, key); ok {
		previous = old.Tags
	}
	if err := s.store.Set(ctx, s.valueKey(key), data, backendTTL); err != nil {
		s.backendError(ctx, "set", err)
		return false
	}
	for _, tag := range difference(previous, e.Tags) {
		if err := s.store.SRem(ctx, s.tagKey(tag), key); err != nil {
			s.backendError(ctx, "srem", err)
		}
	}
	for _, tag := range e.Tags {
		if err := s.store.SAdd(ctx, s.tagKey(tag), key); err != nil {
			s.backendError(ctx, "sadd", err)
		}
	}
	s.sets.Add(1)
	return true
}

// Del removes keys and returns how many were present.
func (s *Service) Del(ctx context.Context, keys ...string) int {
	if len(keys) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delLocked(ctx, keys, "")
}

// delLocked removes keys and unindexes them from their tags, skipping
// skipTag (which the caller is about to drop wholesale).
func (s *Service) delLocked(ctx context.Context, keys []string, skipTag string) int {
	backendKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if e, ok := s.lookup(ctx, key); ok {
			for _, tag := range e.Tags {
				if tag == skipTag {
					continue
				}
				if err := s.store.SRem(ctx, s.tagKey(tag), key); err != nil {
					s.backendError(ctx, "srem", err)
				}
			}
		}
		backendKeys = append(backendKeys, s.valueKey(key))
	}
	n, err := s.store.Del(ctx, backendKeys...)
	if err != nil {
		s.backendError(ctx, "del", err)
		return 0
	}
	s.deletes.Add(int64(n))
	return n
}

// InvalidateByTag deletes every key indexed under tag, then the tag itself.
// Index members whose stored entry no longer carries the tag (evicted, expired
// out of the backend, or re-set without it) are dropped from the index but not
// deleted. It returns the number of keys removed.
func (s *Service) InvalidateByTag(ctx context.Context, tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, _, ok := s.membersLocked(ctx, tag)
	if !ok {
		return 0
	}
	n := 0
	if len(members) > 0 {
		n = s.delLocked(ctx, members, tag)
	}
	if _, err := s.store.Del(ctx, s.tagKey(tag)); err != nil {
		s.backendError(ctx, "del", err)
	}
	metrics.CacheInvalidations.WithLabelValues("tag").Add(float64(n))
	s.log.Info("invalidated cache tag", "tag", tag, "keys", n)
	return n
}

// membersLocked splits the index of tag into keys whose stored entry still
// carries the tag and orphans that do not. ok is false when the index could
// not be read.
func (s *Service) membersLocked(ctx context.Context, tag string) (members, orphans []string, ok bool) {
	indexed, err := s.store.SMembers(ctx, s.tagKey(tag))
	if err != nil {
		s.backendError(ctx, "smembers", err)
		return nil, nil, false
	}
	for _, key := range indexed {
		if e, found := s.lookup(ctx, key); found && slices.Contains(e.Tags, tag) {
			members = append(members, key)
			continue
		}
		orphans = append(orphans, key)
	}
	return members, orphans, true
}

// pruneLocked removes orphans from the index of tag.
func (s *Service) pruneLocked(ctx context.Context, tag string, orphans []string) int {
	if len(orphans) == 0 {
		return 0
	}
	if err := s.store.SRem(ctx, s.tagKey(tag), orphans...); err != nil {
		s.backendError(ctx, "srem", err)
		return 0
	}
	return len(orphans)
}

// PruneTags drops index members whose entry has left the backend without a
// Del, such as LRU evictions and backend expiry. It returns how many were
// removed.
func (s *Service) PruneTags(ctx context.Context) int {
	tagKeys, err := s.store.Keys(ctx, s.tagKey("*"))
	if err != nil {
		s.backendError(ctx, "keys", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tk := range tagKeys {
		tag := strings.TrimPrefix(tk, s.tagPrefix)
		if _, orphans, ok := s.membersLocked(ctx, tag); ok {
			n += s.pruneLocked(ctx, tag, orphans)
		}
	}
	if n > 0 {
		s.log.Debug("pruned cache tag index", "members", n)
	}
	return n
}

// Keys returns the entry keys (stale ones included) matching a glob pattern
// such as "events:*".
func (s *Service) Keys(ctx context.Context, pattern string) []string {
	backendKeys, err := s.store.Keys(ctx, s.valueKey(pattern))
	if err != nil {
		s.backendError(ctx, "keys", err)
		return nil
	}
	keys := make([]string, 0, len(backendKeys))
	for _, k := range backendKeys {
		keys = append(keys, strings.TrimPrefix(k, s.valuePrefix))
	}
	return keys
}

// InvalidatePattern deletes every key matching pattern.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) int {
	keys := s.Keys(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}
	n := s.Del(ctx, keys...)
	metrics.CacheInvalidations.WithLabelValues("pattern").Add(float64(n))
	return n
}

// TagMembers lists the keys currently stored with tag. Stale index members
// found along the way are pruned.
func (s *Service) TagMembers(ctx context.Context, tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, orphans, ok := s.membersLocked(ctx, tag)
	if !ok {
		return nil
	}
	s.pruneLocked(ctx, tag, orphans)
	if members == nil {
		members = []string{}
	}
	return members
}

// Ping reports backend liveness.
func (s *Service) Ping(ctx context.Context) bool {
	if err := s.store.Ping(ctx); err != nil {
		s.backendError(ctx, "ping", err)
		return false
	}
	return true
}

// Stats snapshots counters and backend info.
func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:    s.store.Name(),
		Healthy:    s.Ping(ctx),
		Keys:       len(s.Keys(ctx, "*")),
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		StaleReads: s.staleReads.Load(),
		Sets:       s.sets.Load(),
		Deletes:    s.deletes.Load(),
	}
	if info, err := s.store.Info(ctx); err == nil {
		st.Info = info
	} else {
		s.log.Debug("cache backend info unavailable", "error", err)
	}
	st.Errors = s.errors.Load()
	return st
}

// Close releases the backend.
func (s *Service) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close %s cache: %w", s.store.Name(), err)
	}
	return nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// difference returns the elements of a not in b.
func difference(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	in := make(map[string]struct{}, len(b))
	for _, x := range b {
		in[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := in[x]; !ok {
			out = append(out, x)
		}
	}
	return out
}
