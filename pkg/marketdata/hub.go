package marketdata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperdesk/pkg/metrics"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

type HubConfig struct {
	RefreshInterval time.Duration // default 5s
	StaleAfter      time.Duration // default 30s
	MaxConcurrent   int           // parallel fetches per tick, default 8
}

func (c *HubConfig) withDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
}

// Subscription is the handle returned by Hub.Subscribe. Close releases it;
// calling Close more than once, or from inside the callback, is safe.
//
// Deliveries to one subscription never overlap, and a consumer never sees a
// price older than one it already received.
type Subscription struct {
	id       uint64
	hub      *Hub
	symbols  []string
	onUpdate func(Quote)
	closed   atomic.Bool

	deliverMu sync.Mutex
	delivered map[string]time.Time // last price timestamp handed to onUpdate
}

func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

func (s *Subscription) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// deliver hands q to the consumer unless it would move the consumer's view
// backwards. A snapshot is only a catch-up: it is dropped once a tick update
// at least as new has been delivered.
func (s *Subscription) deliver(q Quote, snapshot bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return
	}
	last, seen := s.delivered[q.Symbol]
	if seen {
		ts := q.Price.Timestamp
		if ts.Before(last) || (snapshot && !ts.After(last)) {
			return
		}
	}
	if q.Loaded || !seen {
		s.delivered[q.Symbol] = q.Price.Timestamp
	}
	s.onUpdate(q)
}

// Hub multiplexes any number of consumers onto one fetch per symbol per
// refresh tick. It exclusively owns the price cache and the subscription
// registry.
type Hub struct {
	log     *zap.SugaredLogger
	cfg     HubConfig
	fetcher Fetcher
	cache   *Cache
	icons   *Icons
	clock   util.Clock
	metrics *metrics.Metrics

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	polling map[string]struct{} // symbols fetched on the previous tick
}

func NewHub(log *zap.SugaredLogger, cfg HubConfig, fetcher Fetcher, icons *Icons, clock util.Clock, m *metrics.Metrics) *Hub {
	cfg.withDefaults()
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Hub{
		log:     util.OrNop(log),
		cfg:     cfg,
		fetcher: fetcher,
		cache:   NewCache(cfg.StaleAfter, clock),
		icons:   icons,
		clock:   clock,
		metrics: m,
		subs:    make(map[uint64]*Subscription),
		polling: make(map[string]struct{}),
	}
}

// Subscribe registers onUpdate for symbols and returns immediately.
//
// No upstream request is made here. Symbols already in the cache are
// delivered to the new consumer asynchronously from the cached snapshot;
// the rest are picked up by the next refresh tick.
func (h *Hub) Subscribe(symbols []string, onUpdate func(Quote)) *Subscription {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	norm := make([]string, 0, len(set))
	for s := range set {
		norm = append(norm, s)
	}
	sort.Strings(norm)

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, symbols: norm, onUpdate: onUpdate, delivered: make(map[string]time.Time)}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	var snapshot []Quote
	for _, s := range norm {
		if q := h.cache.Quote(s); q.Loaded {
			snapshot = append(snapshot, q)
		}
	}
	if len(snapshot) > 0 {
		go func() {
			for _, q := range snapshot {
				sub.deliver(q, true)
			}
		}()
	}

	h.log.Debugw("hub_subscribe", "id", sub.id, "symbols", norm, "cached", len(snapshot))
	return sub
}

// Unsubscribe removes sub. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	h.log.Debugw("hub_unsubscribe", "id", sub.id)
}

// GetPrice returns the last known price even if it is stale.
func (h *Hub) GetPrice(symbol string) (AssetPrice, bool) {
	return h.cache.Get(strings.ToUpper(symbol))
}

func (h *Hub) Quote(symbol string) Quote {
	return h.cache.Quote(strings.ToUpper(symbol))
}

func (h *Hub) AssetIcon(symbol string) string {
	return h.icons.For(symbol)
}

// ActiveSymbols is the union of all live subscriptions.
func (h *Hub) ActiveSymbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unionLocked()
}

func (h *Hub) unionLocked() []string {
	set := make(map[string]struct{})
	for _, sub := range h.subs {
		for _, s := range sub.symbols {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run refreshes on its own timer until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.log.Infow("hub_started", "interval", h.cfg.RefreshInterval, "stale_after", h.cfg.StaleAfter)
	for {
		h.Tick(ctx)
		select {
		case <-ctx.Done():
			h.log.Infow("hub_stopped")
			return
		case <-h.clock.After(h.cfg.RefreshInterval):
		}
	}
}

type fetchResult struct {
	symbol string
	price  AssetPrice
	err    error
}

// Tick performs one refresh: one fetch per subscribed symbol, then fan-out.
func (h *Hub) Tick(ctx context.Context) {
	h.mu.Lock()
	symbols := h.unionLocked()
	next := make(map[string]struct{}, len(symbols))
	var added, removed []string
	for _, s := range symbols {
		next[s] = struct{}{}
		if _, ok := h.polling[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range h.polling {
		if _, ok := next[s]; !ok {
			removed = append(removed, s)
		}
	}
	h.polling = next
	h.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		sort.Strings(removed)
		h.log.Infow("hub_symbols_changed", "added", added, "removed", removed, "active", len(symbols))
	}
	if r, ok := h.fetcher.(Releaser); ok && len(removed) > 0 {
		r.Release(removed)
	}
	h.metrics.SetActiveSymbols(len(symbols))
	if len(symbols) == 0 {
		return
	}

	results := make([]fetchResult, len(symbols))
	var g errgroup.Group
	g.SetLimit(h.cfg.MaxConcurrent)
	for i, sym := range symbols {
		g.Go(func() error {
			p, err := h.fetcher.Fetch(ctx, sym)
			results[i] = fetchResult{symbol: sym, price: p, err: err}
			return nil
		})
	}
	_ = g.Wait()

	updates := make(map[string]Quote, len(results))
	for _, r := range results {
		if r.err != nil {
			q := h.cache.MarkFailed(r.symbol, r.err)
			h.log.Warnw("price_refresh_failed", "symbol", r.symbol, "has_last", q.Loaded, "err", r.err)
			updates[r.symbol] = q
			continue
		}
		if q, changed := h.cache.Apply(r.price); changed {
			updates[r.symbol] = q
		}
	}
	h.metrics.SetStaleSymbols(h.cache.StaleCount(symbols))

	h.fanOut(updates)
}

// fanOut delivers updates outside the lock so callbacks may unsubscribe.
func (h *Hub) fanOut(updates map[string]Quote) {
	if len(updates) == 0 {
		return
	}
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, sub := range subs {
		for _, sym := range sub.symbols {
			if q, ok := updates[sym]; ok {
				sub.deliver(q, false)
			}
		}
	}
}
