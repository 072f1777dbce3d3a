// Package cache implements the two-tier search-result cache: an index of
// entries in the database (tag_search_caches plus its tag relation) and a
// filesystem tree of JSON pages per entry, guarded by advisory file locks.
//
// Entry layout on disk:
//
//	<base>/<key>/expiration.json   {"expiration": <RFC 3339>, "interval": <minutes>}
//	<base>/<key>/config.json       {"count": <total>, "max-page": <pages>}
//	<base>/<key>/<order>.<page>.json   JSON array of article ids
//
// Writers hold an exclusive flock for the whole write. expiration.json is
// the only file read under a (non-blocking shared) lock; config.json and
// page files are immutable once written and read lockless. Invalidation
// renames the entry directory out of the visible namespace, so readers that
// already opened a page keep reading safely.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/168iroha/tag-search-engine/internal/store"
	"github.com/168iroha/tag-search-engine/pkg/errors"
	"github.com/168iroha/tag-search-engine/pkg/logger"
)

const (
	expirationFileName = "expiration.json"
	configFileName     = "config.json"
	renameTimeLayout   = "20060102150405"
)

// Expiration describes when a cache entry lapses. Interval is the sliding
// window in minutes; 0 pins the entry at the absolute time.
type Expiration struct {
	At       time.Time
	Interval int
}

// PageConfig is the per-entry result shape stored in config.json.
type PageConfig struct {
	Count   int `json:"count"`
	MaxPage int `json:"max-page"`
}

type expirationFile struct {
	Expiration string `json:"expiration"`
	Interval   int    `json:"interval"`
}

// Manager owns the cache directory tree and the cache rows in the database.
type Manager struct {
	base   string
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager rooted at base. The database side is reached
// through db on demand.
func NewManager(base string, db *store.DB) *Manager {
	return &Manager{
		base:   base,
		db:     db,
		logger: logger.WithComponent("result-cache"),
		now:    time.Now,
	}
}

func (m *Manager) dir(key string) string {
	return filepath.Join(m.base, key)
}

func (m *Manager) expirationPath(key string) string {
	return filepath.Join(m.base, key, expirationFileName)
}

func (m *Manager) configPath(key string) string {
	return filepath.Join(m.base, key, configFileName)
}

func (m *Manager) pagePath(key, prefix string, page int) string {
	return filepath.Join(m.base, key, fmt.Sprintf("%s%d.json", prefix, page))
}

// Has reports whether the entry's directory and both metadata files exist.
func (m *Manager) Has(key string) bool {
	if fi, err := os.Stat(m.dir(key)); err != nil || !fi.IsDir() {
		return false
	}
	if _, err := os.Stat(m.expirationPath(key)); err != nil {
		return false
	}
	if _, err := os.Stat(m.configPath(key)); err != nil {
		return false
	}
	return true
}

// HasPage reports Has plus the existence of one specific page file.
func (m *Manager) HasPage(key, prefix string, page int) bool {
	if !m.Has(key) {
		return false
	}
	_, err := os.Stat(m.pagePath(key, prefix, page))
	return err == nil
}

// Create builds a cache entry: the database row (and one row per resolved
// tag), the entry directory, and both metadata files, in that order. Tags
// absent from the tags table are silently omitted. A failure leaves the
// entry either absent or detectable as incomplete by Has.
func (m *Manager) Create(ctx context.Context, key string, tagValues []string, exp Expiration, cfg PageConfig) error {
	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			m.db.Rebind("SELECT id FROM tag_search_caches WHERE id = ?"), key,
		).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx,
				m.db.Rebind("INSERT INTO tag_search_caches (id, expiration_time) VALUES (?, ?)"),
				key, exp.At.UTC(),
			); err != nil {
				return fmt.Errorf("inserting cache entry: %w", err)
			}
			stmt, err := tx.PrepareContext(ctx, m.db.Rebind(
				"INSERT INTO tag_search_caches_tags (cache_id, tag_id) "+
					"SELECT ?, id FROM tags WHERE norm_name = ?"))
			if err != nil {
				return fmt.Errorf("preparing cache tag insert: %w", err)
			}
			defer stmt.Close()
			for _, tag := range dedupe(tagValues) {
				if _, err := stmt.ExecContext(ctx, key, tag); err != nil {
					return fmt.Errorf("inserting cache tag %q: %w", tag, err)
				}
			}
			return nil
		case err != nil:
			return fmt.Errorf("probing cache entry: %w", err)
		default:
			if _, err := tx.ExecContext(ctx,
				m.db.Rebind("UPDATE tag_search_caches SET expiration_time = ? WHERE id = ?"),
				exp.At.UTC(), key,
			); err != nil {
				return fmt.Errorf("refreshing cache entry: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.dir(key), 0o777); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := m.writeLocked(m.expirationPath(key), expirationFile{
		Expiration: exp.At.UTC().Format(time.RFC3339),
		Interval:   exp.Interval,
	}); err != nil {
		return err
	}
	return m.writeLocked(m.configPath(key), cfg)
}

// Get returns the id list of one page. Any missing or malformed file is a
// cache miss (errors.ErrNoCache). A page outside [1, max-page] yields an
// empty list without consulting the page file. Successful reads slide the
// entry's expiration forward.
func (m *Manager) Get(key string, page int, prefix string) ([]string, error) {
	if !m.Has(key) {
		return nil, errors.ErrNoCache
	}
	cfg, err := m.Config(key)
	if err != nil {
		return nil, err
	}

	var ids []string
	if page < 1 || page > cfg.MaxPage {
		ids = []string{}
	} else {
		data, err := os.ReadFile(m.pagePath(key, prefix, page))
		if err != nil {
			return nil, errors.ErrNoCache
		}
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, errors.ErrNoCache
		}
		if ids == nil {
			ids = []string{}
		}
	}

	if err := m.Update(key, nil); err != nil {
		m.logger.Error("sliding expiration failed", "key", key, "error", err)
	}
	return ids, nil
}

// Config reads config.json. The file is immutable after Create, so the read
// takes no lock. Malformed content is a cache miss.
func (m *Manager) Config(key string) (PageConfig, error) {
	var cfg PageConfig
	data, err := os.ReadFile(m.configPath(key))
	if err != nil {
		return cfg, errors.ErrNoCache
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.ErrNoCache
	}
	return cfg, nil
}

// Set writes one page file. The entry must already exist. When extend is
// true the entry's expiration slides as if the page had been read.
func (m *Manager) Set(key string, page int, prefix string, ids []string, extend bool) error {
	if !m.Has(key) {
		return errors.ErrNoCache
	}
	if ids == nil {
		ids = []string{}
	}
	if err := m.writeLocked(m.pagePath(key, prefix, page), ids); err != nil {
		return err
	}
	if extend {
		if err := m.Update(key, nil); err != nil {
			m.logger.Error("sliding expiration failed", "key", key, "error", err)
		}
	}
	return nil
}

// Update rewrites expiration.json under a non-blocking exclusive lock. When
// the lock is contended the call is a no-op: readers holding the shared lock
// must never be blocked. With override set, the expiration becomes that
// absolute instant (interval 0). Otherwise a sliding entry moves forward by
// its interval; a pinned entry (interval 0) is left untouched.
func (m *Manager) Update(key string, override *time.Time) error {
	path := m.expirationPath(key)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return nil
	}
	defer fl.Close()

	if override != nil {
		return writeJSON(path, expirationFile{
			Expiration: override.UTC().Format(time.RFC3339),
			Interval:   0,
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading expiration file: %w", err)
	}
	var ef expirationFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return fmt.Errorf("parsing expiration file: %w", err)
	}
	if ef.Interval == 0 {
		return nil
	}
	ef.Expiration = m.now().Add(time.Duration(ef.Interval) * time.Minute).UTC().Format(time.RFC3339)
	return writeJSON(path, ef)
}

// ExpirationTime reads the on-disk expiration under a non-blocking shared
// lock. A missing or malformed file is a permanent error (the entry is
// corrupt); a contended lock returns (nil, nil) so the caller retries later.
func (m *Manager) ExpirationTime(key string) (*time.Time, error) {
	path := m.expirationPath(key)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.ErrCacheCorrupt
	}
	fl := flock.New(path)
	locked, err := fl.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring shared lock: %w", err)
	}
	if !locked {
		return nil, nil
	}
	defer fl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrCacheCorrupt
	}
	var ef expirationFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, errors.ErrCacheCorrupt
	}
	t, err := time.Parse(time.RFC3339, ef.Expiration)
	if err != nil {
		return nil, errors.ErrCacheCorrupt
	}
	return &t, nil
}

// writeLocked writes v as pretty-printed JSON while holding an exclusive
// flock on path for the whole write.
func (m *Manager) writeLocked(path string, v any) error {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer fl.Close()
	return writeJSON(path, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// markedForSweep reports whether a directory basename carries the
// invalidated-rename marker (a dot inside the name).
func markedForSweep(name string) bool {
	return strings.Contains(name, ".")
}
