package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/redis/go-redis/v9"
)

const latestKey = "latest"

// FoldCacheStats tracks cache performance metrics.
type FoldCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// FoldCache stores computed fold assignments keyed by the fingerprint of the date set
// they were computed from. Latest returns the most recently stored assignment.
type FoldCache interface {
	Get(ctx context.Context, fingerprint string) (*models.FoldAssignment, bool)
	Latest(ctx context.Context) (*models.FoldAssignment, bool)
	Set(ctx context.Context, assignment *models.FoldAssignment) error
	Stats() FoldCacheStats
}

// RedisFoldCache implements FoldCache on Redis.
type RedisFoldCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger logging.Logger

	mu    sync.Mutex
	stats FoldCacheStats
}

// NewRedisFoldCache creates a Redis-backed fold cache. A non-positive ttl stores
// entries without expiry.
func NewRedisFoldCache(client redis.Cmdable, ttl time.Duration, logger logging.Logger) *RedisFoldCache {
	return &RedisFoldCache{
		client: client,
		ttl:    ttl,
		prefix: "fold_assignment:",
		logger: logger,
	}
}

// Get returns the assignment cached under fingerprint.
func (c *RedisFoldCache) Get(ctx context.Context, fingerprint string) (*models.FoldAssignment, bool) {
	return c.load(ctx, c.prefix+fingerprint)
}

// Latest returns the most recently cached assignment.
func (c *RedisFoldCache) Latest(ctx context.Context) (*models.FoldAssignment, bool) {
	return c.load(ctx, c.prefix+latestKey)
}

func (c *RedisFoldCache) load(ctx context.Context, key string) (*models.FoldAssignment, bool) {
	start := time.Now()
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithComponent("fold_cache").Warn("Redis get failed", "key", key, "error", err)
			c.record(func(s *FoldCacheStats) { s.Errors++ })
		}
		c.record(func(s *FoldCacheStats) { s.Misses++ })
		c.logger.LogCacheOperation("get", key, false, time.Since(start).Milliseconds())
		return nil, false
	}

	var assignment models.FoldAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		c.logger.WithComponent("fold_cache").Warn("Discarding undecodable fold assignment", "key", key, "error", err)
		c.record(func(s *FoldCacheStats) { s.Misses++; s.Errors++ })
		return nil, false
	}

	c.record(func(s *FoldCacheStats) { s.Hits++ })
	c.logger.LogCacheOperation("get", key, true, time.Since(start).Milliseconds())
	return &assignment, true
}

// Set stores assignment under its fingerprint and as the latest entry.
func (c *RedisFoldCache) Set(ctx context.Context, assignment *models.FoldAssignment) error {
	if assignment == nil || assignment.Fingerprint == "" {
		return fmt.Errorf("fold assignment has no fingerprint")
	}

	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("failed to encode fold assignment: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.prefix+assignment.Fingerprint, data, c.ttl)
	pipe.Set(ctx, c.prefix+latestKey, data, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.record(func(s *FoldCacheStats) { s.Errors++ })
		return fmt.Errorf("failed to cache fold assignment: %w", err)
	}

	c.record(func(s *FoldCacheStats) { s.Sets++ })
	return nil
}

// Stats returns a copy of the cache counters.
func (c *RedisFoldCache) Stats() FoldCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *RedisFoldCache) record(update func(*FoldCacheStats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}

type memoryEntry struct {
	assignment models.FoldAssignment
	expiresAt  time.Time
}

// InMemoryFoldCache implements FoldCache in process memory. It is used when Redis
// is unavailable.
type InMemoryFoldCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
	latest  string
	stats   FoldCacheStats
}

// NewInMemoryFoldCache creates an in-memory fold cache.
func NewInMemoryFoldCache(ttl time.Duration) *InMemoryFoldCache {
	return &InMemoryFoldCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the assignment cached under fingerprint.
func (c *InMemoryFoldCache) Get(_ context.Context, fingerprint string) (*models.FoldAssignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(fingerprint)
}

// Latest returns the most recently cached assignment.
func (c *InMemoryFoldCache) Latest(_ context.Context) (*models.FoldAssignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == "" {
		c.stats.Misses++
		return nil, false
	}
	return c.lookup(c.latest)
}

// lookup must be called with mu held.
func (c *InMemoryFoldCache) lookup(fingerprint string) (*models.FoldAssignment, bool) {
	entry, ok := c.entries[fingerprint]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, fingerprint)
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	a := entry.assignment
	a.Dates = append([]models.DateFold(nil), entry.assignment.Dates...)
	return &a, true
}

// Set stores a copy of assignment.
func (c *InMemoryFoldCache) Set(_ context.Context, assignment *models.FoldAssignment) error {
	if assignment == nil || assignment.Fingerprint == "" {
		return fmt.Errorf("fold assignment has no fingerprint")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{assignment: *assignment}
	entry.assignment.Dates = append([]models.DateFold(nil), assignment.Dates...)
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[assignment.Fingerprint] = entry
	c.latest = assignment.Fingerprint
	c.stats.Sets++
	return nil
}

// Stats returns a copy of the cache counters.
func (c *InMemoryFoldCache) Stats() FoldCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
