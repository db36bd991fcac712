package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Fetcher loads a profile from the backing store on cache miss.
type Fetcher interface {
	FetchProfile(ctx context.Context, identity string) (Snapshot, error)
}

type entry struct {
	snapshot Snapshot
	cachedAt time.Time
}

// Cache is a process-local TTL map of profile snapshots. There is no
// cross-process coherence requirement: snapshots are captured into pipelines
// at construction time, and CRUD writes broadcast invalidations.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	log     *slog.Logger
	clock   func() time.Time

	mu      sync.RWMutex
	entries *lru.Cache[string, entry]

	sweepEvery time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewCache builds a cache with the given TTL, capacity bound, and sweep
// interval. Passing a zero sweep interval disables the background sweeper.
func NewCache(fetcher Fetcher, ttl time.Duration, maxEntries int, sweepEvery time.Duration, log *slog.Logger) (*Cache, error) {
	backing, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fetcher:    fetcher,
		ttl:        ttl,
		log:        log.With(slog.String("component", "profile-cache")),
		clock:      time.Now,
		entries:    backing,
		sweepEvery: sweepEvery,
	}, nil
}

// Start launches the periodic sweeper.
func (c *Cache) Start(parent context.Context) {
	if c.sweepEvery <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.Sweep()
				if removed > 0 {
					c.log.Debug("swept expired profiles", slog.Int("removed", removed))
				}
			}
		}
	}()
}

func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Get returns a live snapshot, fetching and caching on miss or expiry. When
// the fetch fails the default profile is returned so the room keeps working.
func (c *Cache) Get(ctx context.Context, identity string) Snapshot {
	now := c.clock()

	c.mu.RLock()
	e, ok := c.entries.Get(identity)
	c.mu.RUnlock()
	if ok && now.Sub(e.cachedAt) <= c.ttl {
		return e.snapshot
	}
	if ok {
		c.mu.Lock()
		c.entries.Remove(identity)
		c.mu.Unlock()
	}

	snapshot, err := c.fetcher.FetchProfile(ctx, identity)
	if err != nil {
		c.log.Warn("profile fetch failed, using default",
			slog.String("identity", identity),
			slog.String("error", err.Error()))
		return DefaultSnapshot(identity)
	}
	c.Put(snapshot)
	return snapshot
}

// Put pre-populates the cache; Get stores fetched snapshots through it.
// Token minting pre-warms the cache by calling Get.
func (c *Cache) Put(snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(snapshot.Identity, entry{snapshot: snapshot, cachedAt: c.clock()})
}

// Invalidate drops the identity's entry.
func (c *Cache) Invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(identity)
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && now.Sub(e.cachedAt) > c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}
