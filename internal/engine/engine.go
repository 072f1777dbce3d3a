// Package engine is the query façade: it parses search queries, consults the
// result cache, issues SQL on misses, and keeps the cache coherent across
// article writes. Article persistence is transactional; every cache
// operation around it is best-effort.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/168iroha/tag-search-engine/internal/cache"
	"github.com/168iroha/tag-search-engine/internal/events"
	"github.com/168iroha/tag-search-engine/internal/query"
	"github.com/168iroha/tag-search-engine/internal/store"
	"github.com/168iroha/tag-search-engine/pkg/logger"
	"github.com/168iroha/tag-search-engine/pkg/metrics"
)

// pinnedExpiration is the absolute expiration of entries that never lapse
// on their own (empty queries and single-tag queries with hits).
var pinnedExpiration = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// SearchResult is one page of matching article ids plus the total match
// count.
type SearchResult struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// Options configures an Engine. Metrics and Events may be nil.
type Options struct {
	DB        *store.DB
	Cache     *cache.Manager
	PageSize  int
	LimitTags int
	Metrics   *metrics.Metrics
	Events    *events.Collector
}

// Engine orchestrates parse → cache lookup → SQL → cache populate, and the
// article-write paths that invalidate affected entries.
type Engine struct {
	db        *store.DB
	cache     *cache.Manager
	pageSize  int
	limitTags int
	metrics   *metrics.Metrics
	events    *events.Collector
	logger    *slog.Logger
	sf        singleflight.Group
}

// New creates an Engine. The database connection is not opened until the
// first operation needs it.
func New(opts Options) *Engine {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Engine{
		db:        opts.DB,
		cache:     opts.Cache,
		pageSize:  pageSize,
		limitTags: opts.LimitTags,
		metrics:   opts.Metrics,
		events:    opts.Events,
		logger:    logger.WithComponent("search-engine"),
	}
}

// Search returns one page of article ids matching queryText, most of the
// time from the result cache. Pages below 1 are clamped to 1. An unknown
// order is an error; everything else about the query recovers silently.
func (e *Engine) Search(ctx context.Context, queryText string, page int, order query.Order) (*SearchResult, error) {
	start := time.Now()
	if _, err := order.Clause(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	q := query.Parse(queryText, e.limitTags)
	key := q.Key()
	prefix := order.PagePrefix()

	if res, ok := e.lookup(key, page, prefix); ok {
		e.observe("hit", start)
		return res, nil
	}

	flightKey := key + "|" + prefix + strconv.Itoa(page)
	v, err, _ := e.sf.Do(flightKey, func() (any, error) {
		// A concurrent identical request may have populated the entry while
		// this one waited for the flight.
		if res, ok := e.lookup(key, page, prefix); ok {
			return res, nil
		}
		return e.populate(ctx, q, key, page, prefix, order)
	})
	if err != nil {
		e.observe("error", start)
		return nil, err
	}
	res := v.(*SearchResult)
	e.observe("miss", start)
	e.logger.Info("search completed",
		"canonical", q.Canonical(),
		"page", page,
		"order", order.String(),
		"count", res.Count,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// lookup serves a page purely from the cache. Both the count and the page
// must be readable; any miss or corruption falls back to SQL.
func (e *Engine) lookup(key string, page int, prefix string) (*SearchResult, bool) {
	if !e.cache.Has(key) {
		return nil, false
	}
	cfg, err := e.cache.Config(key)
	if err != nil {
		return nil, false
	}
	ids, err := e.cache.Get(key, page, prefix)
	if err != nil {
		return nil, false
	}
	return &SearchResult{IDs: ids, Count: cfg.Count}, true
}

// populate runs the lowered SQL and writes the missing cache pieces. Cache
// failures are logged and swallowed; the caller still gets the database
// truth.
func (e *Engine) populate(ctx context.Context, q *query.Query, key string, page int, prefix string, order query.Order) (*SearchResult, error) {
	db, err := e.db.Handle()
	if err != nil {
		return nil, err
	}
	binds := q.Binds()
	args := make([]any, 0, len(binds)+2)
	for _, b := range binds {
		args = append(args, b)
	}

	var count int
	if err := db.QueryRowContext(ctx, e.db.Rebind(q.CountSQL()), args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting matches: %w", err)
	}

	selectSQL, err := q.SelectSQL(order)
	if err != nil {
		return nil, err
	}
	pageArgs := append(args, e.pageSize, (page-1)*e.pageSize)
	rows, err := db.QueryContext(ctx, e.db.Rebind(selectSQL), pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("selecting page: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning article id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating page: %w", err)
	}

	if !e.cache.Has(key) {
		exp := e.expirationPolicy(count, binds)
		cfg := cache.PageConfig{
			Count:   count,
			MaxPage: (count + e.pageSize - 1) / e.pageSize,
		}
		if err := e.cache.Create(ctx, key, binds, exp, cfg); err != nil {
			e.logger.Error("cache create failed", "key", key, "error", err)
		} else if e.metrics != nil {
			e.metrics.CacheEntriesCreated.Inc()
		}
	}
	if !e.cache.HasPage(key, prefix, page) {
		if err := e.cache.Set(key, page, prefix, ids, false); err != nil {
			e.logger.Error("cache page write failed", "key", key, "page", page, "error", err)
		}
	}

	return &SearchResult{IDs: ids, Count: count}, nil
}

// expirationPolicy picks the entry lifetime: trivial queries (no tag, or a
// single tag with hits) are pinned far in the future, empty result sets get
// a short sliding window, everything else a long one.
func (e *Engine) expirationPolicy(count int, binds []string) cache.Expiration {
	switch {
	case len(binds) == 0, len(binds) == 1 && count > 0:
		return cache.Expiration{At: pinnedExpiration, Interval: 0}
	case count == 0:
		return cache.Expiration{At: time.Now().Add(15 * time.Minute), Interval: 15}
	default:
		return cache.Expiration{At: time.Now().Add(7 * 24 * time.Hour), Interval: 7 * 24 * 60}
	}
}

func (e *Engine) observe(resultType string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	status := resultType
	if status == "error" {
		status = "miss"
	}
	e.metrics.SearchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	switch resultType {
	case "hit":
		e.metrics.CacheHitsTotal.Inc()
	case "miss":
		e.metrics.CacheMissesTotal.Inc()
	}
}

// InvalidateByTag removes every cache entry whose query contained the
// normalized tag.
func (e *Engine) InvalidateByTag(ctx context.Context, normName string) error {
	if err := e.cache.DeleteByTag(ctx, normName); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.InvalidationsTotal.WithLabelValues("tag").Inc()
	}
	e.track(events.CacheInvalidated(normName))
	return nil
}

// InvalidateByTime removes entries expired as of now.
func (e *Engine) InvalidateByTime(ctx context.Context, now time.Time) error {
	if err := e.cache.DeleteByDatetime(ctx, now); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.InvalidationsTotal.WithLabelValues("expired").Inc()
	}
	return nil
}

// SweepFilesystem removes invalidated cache directories left behind by
// deferred deletes.
func (e *Engine) SweepFilesystem() error {
	removed, err := e.cache.SweepFiles()
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("cache sweep removed directories", "count", removed)
		if e.metrics != nil {
			e.metrics.SweptDirsTotal.Add(float64(removed))
		}
	}
	return nil
}

func (e *Engine) track(ev events.Event) {
	if e.events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	e.events.Track(ev)
}
