package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/lib/pq"
	"github.com/vasayxtx/go-glob"
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQL is a Store persisting entries in SQLite or Postgres. Useful when a
// single instance wants its cache to survive restarts without running Redis.
// Expired rows are removed lazily on read and by PurgeExpired.
type SQL struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

// NewSQLite opens (and migrates) a SQLite-backed store.
func NewSQLite(dsn string, opts ...StoreOption) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "matchday-cache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache store: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newSQL(db, dialectSQLite, opts)
}

// NewPostgres opens (and migrates) a Postgres-backed store.
func NewPostgres(dsn string, opts ...StoreOption) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache store: %w", err)
	}
	return newSQL(db, dialectPostgres, opts)
}

func newSQL(db *sql.DB, dialect sqlDialect, opts []StoreOption) (*SQL, error) {
	o := applyStoreOptions(opts)
	s := &SQL{db: db, dialect: dialect, now: o.now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cache store: %w", s.dialect, err)
	}

	valueType := "BLOB"
	if s.dialect == dialectPostgres {
		valueType = "BYTEA"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	value ` + valueType + ` NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS cache_sets (
	set_key TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (set_key, member)
)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s cache schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Name implements Store.
func (s *SQL) Name() string { return string(s.dialect) }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) nowMillis() int64 { return s.now().UnixMilli() }

// Get implements Store.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value, expires_at FROM cache_entries WHERE cache_key = ?`), key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s cache get %s: %w", s.dialect, key, err)
	}
	if expiresAt > 0 && s.nowMillis() >= expiresAt {
		// A Set racing this read rewrites expires_at, so its row survives.
		_, _ = s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM cache_entries WHERE cache_key = ? AND expires_at = ?`), key, expiresAt)
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s cache set %s: %w", s.dialect, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_sets WHERE set_key = ?`), key); err != nil {
		return fmt.Errorf("%s cache set %s: %w", s.dialect, key, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO cache_entries (cache_key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`),
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("%s cache set %s: %w", s.dialect, key, err)
	}
	return tx.Commit()
}

// Del implements Store.
func (s *SQL) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s cache del: %w", s.dialect, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMillis()
	n := 0
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM cache_entries WHERE cache_key = ? AND (expires_at = 0 OR expires_at > ?)`), key, now)
		if err != nil {
			return 0, fmt.Errorf("%s cache del %s: %w", s.dialect, key, err)
		}
		live, _ := res.RowsAffected()
		// Drop an expired row too, without counting it.
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_entries WHERE cache_key = ?`), key); err != nil {
			return 0, fmt.Errorf("%s cache del %s: %w", s.dialect, key, err)
		}
		res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM cache_sets WHERE set_key = ?`), key)
		if err != nil {
			return 0, fmt.Errorf("%s cache del %s: %w", s.dialect, key, err)
		}
		members, _ := res.RowsAffected()
		if live > 0 || members > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s cache del: %w", s.dialect, err)
	}
	return n, nil
}

// Keys narrows the scan by the literal prefix of pattern and filters the
// rest with a glob matcher.
func (s *SQL) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}
	match := glob.Compile(pattern)

	query := s.rebind(`SELECT cache_key FROM cache_entries
WHERE substr(cache_key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
UNION
SELECT DISTINCT set_key FROM cache_sets WHERE substr(set_key, 1, ?) = ?`)
	// substr counts characters in both dialects, not bytes.
	n := utf8.RuneCountInString(prefix)
	rows, err := s.db.QueryContext(ctx, query, n, prefix, s.nowMillis(), n, prefix)
	if err != nil {
		return nil, fmt.Errorf("%s cache keys %s: %w", s.dialect, pattern, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%s cache keys %s: %w", s.dialect, pattern, err)
		}
		if match(key) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s cache keys %s: %w", s.dialect, pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// SAdd implements Store.
func (s *SQL) SAdd(ctx context.Context, key string, members ...string) error {
	for _, member := range members {
		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO cache_sets (set_key, member) VALUES (?, ?) ON CONFLICT DO NOTHING`), key, member)
		if err != nil {
			return fmt.Errorf("%s cache sadd %s: %w", s.dialect, key, err)
		}
	}
	return nil
}

// SRem implements Store.
func (s *SQL) SRem(ctx context.Context, key string, members ...string) error {
	for _, member := range members {
		_, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM cache_sets WHERE set_key = ? AND member = ?`), key, member)
		if err != nil {
			return fmt.Errorf("%s cache srem %s: %w", s.dialect, key, err)
		}
	}
	return nil
}

// SMembers implements Store.
func (s *SQL) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT member FROM cache_sets WHERE set_key = ? ORDER BY member`), key)
	if err != nil {
		return nil, fmt.Errorf("%s cache smembers %s: %w", s.dialect, key, err)
	}
	defer func() { _ = rows.Close() }()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("%s cache smembers %s: %w", s.dialect, key, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Ping implements Store.
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s cache store: %w", s.dialect, err)
	}
	return nil
}

// Info reports row counts.
func (s *SQL) Info(ctx context.Context) (map[string]string, error) {
	var entries, sets int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&entries); err != nil {
		return nil, fmt.Errorf("%s cache info: %w", s.dialect, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT set_key) FROM cache_sets`).Scan(&sets); err != nil {
		return nil, fmt.Errorf("%s cache info: %w", s.dialect, err)
	}
	return map[string]string{
		"dialect": string(s.dialect),
		"values":  strconv.FormatInt(entries, 10),
		"sets":    strconv.FormatInt(sets, 10),
	}, nil
}

// PurgeExpired deletes rows whose backend TTL has passed.
func (s *SQL) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`), s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("%s cache purge: %w", s.dialect, err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
