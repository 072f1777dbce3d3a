// Package events publishes the service's change events (article updates and
// deletes, cache invalidations) to Kafka. Delivery is best-effort; losing
// events never affects the search or article-write paths.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type discriminates change events.
type Type string

const (
	TypeArticleUpdated   Type = "article_updated"
	TypeArticleDeleted   Type = "article_deleted"
	TypeCacheInvalidated Type = "cache_invalidated"
)

// Event is one article or cache change.
type Event struct {
	Type      Type      `json:"type"`
	ArticleID string    `json:"article_id,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ArticleUpdated records an article upsert.
func ArticleUpdated(articleID string) Event {
	return Event{Type: TypeArticleUpdated, ArticleID: articleID}
}

// ArticleDeleted records an article removal.
func ArticleDeleted(articleID string) Event {
	return Event{Type: TypeArticleDeleted, ArticleID: articleID}
}

// CacheInvalidated records a tag-driven cache invalidation.
func CacheInvalidated(normName string) Event {
	return Event{Type: TypeCacheInvalidated, Tag: normName}
}

// publishAttempts bounds the per-batch retry; after that the batch is
// dropped and logged.
const publishAttempts = 3

// Collector accumulates events and flushes them to Kafka either when the
// batch reaches a configurable size or after a time interval.
type Collector struct {
	producer      *Producer
	mu            sync.Mutex
	buffer        []Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewCollector creates a Collector that flushes when the buffer reaches
// batchSize events or after flushInterval, whichever comes first.
func NewCollector(producer *Producer, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		producer:      producer,
		buffer:        make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is
// cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				// Final flush with a short deadline.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
}

// Track enqueues one event. A full buffer flushes inline.
func (c *Collector) Track(ev Event) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		c.flush(context.Background())
	}
}

// Close waits for the flush loop started by Start to finish.
func (c *Collector) Close() {
	<-c.done
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publish(ctx, batch); err != nil {
		c.logger.Error("dropping change events after failed publish",
			"count", len(batch),
			"error", err,
		)
	}
}

// publish retries the batch with doubling backoff before giving up.
func (c *Collector) publish(ctx context.Context, batch []Event) error {
	delay := 200 * time.Millisecond
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = c.producer.Publish(ctx, batch); err == nil {
			if attempt > 1 {
				c.logger.Info("publish succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == publishAttempts {
			break
		}
		c.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"error", err,
			"next_delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
