package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/hyperdesk/pkg/util"
)

type cacheEntry struct {
	price      AssetPrice
	receivedAt time.Time
	failed     bool
	err        error
}

// Cache keeps the latest AssetPrice per symbol. Only the Hub writes to it.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	staleAfter time.Duration
	clock      util.Clock
}

// NewCache returns an empty cache. staleAfter <= 0 disables age-based
// staleness.
func NewCache(staleAfter time.Duration, clock util.Clock) *Cache {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// Get returns the last known price, stale or not.
func (c *Cache) Get(symbol string) (AssetPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return AssetPrice{}, false
	}
	return e.price, true
}

func (c *Cache) Quote(symbol string) Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quoteLocked(symbol)
}

func (c *Cache) quoteLocked(symbol string) Quote {
	e, ok := c.entries[symbol]
	if !ok {
		return Quote{Symbol: symbol}
	}
	q := Quote{Symbol: symbol, Price: e.price, Loaded: true, Err: e.err}
	q.Stale = e.failed || (c.staleAfter > 0 && c.clock.Now().Sub(e.receivedAt) > c.staleAfter)
	return q
}

// Apply stores p if it is newer than the cached value. Timestamps strictly
// increase per symbol, so an equal or older response is dropped.
//
// changed is true when consumers should be notified: either a new price was
// stored or a previously failing symbol recovered.
func (c *Cache) Apply(p AssetPrice) (q Quote, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[p.Symbol]
	if !ok {
		c.entries[p.Symbol] = &cacheEntry{price: p, receivedAt: now}
		return c.quoteLocked(p.Symbol), true
	}

	recovered := e.failed
	e.failed = false
	e.err = nil
	if !p.Timestamp.After(e.price.Timestamp) {
		return c.quoteLocked(p.Symbol), recovered
	}
	e.price = p
	e.receivedAt = now
	return c.quoteLocked(p.Symbol), true
}

// MarkFailed flags the symbol stale without discarding its last price.
// A symbol that was never loaded gets no entry; its Quote reports the error
// only through the returned value.
func (c *Cache) MarkFailed(symbol string, err error) Quote {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		return Quote{Symbol: symbol, Stale: true, Err: err}
	}
	e.failed = true
	e.err = err
	return c.quoteLocked(symbol)
}

// StaleCount counts entries among symbols that are currently stale.
func (c *Cache) StaleCount(symbols []string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range symbols {
		if q := c.quoteLocked(s); q.Loaded && q.Stale {
			n++
		}
	}
	return n
}

// Symbols lists every symbol that was ever loaded.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
