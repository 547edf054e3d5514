package market

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the tradable markets. Safe for concurrent use; readers get
// copies so a status change never races with a risk check in flight.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a market. Symbols are unique.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	cp := *m
	r.markets[m.Symbol] = &cp
	return nil
}

// Get returns a copy of the market.
func (r *Registry) Get(symbol string) (Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markets[symbol]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

// MaxLeverage returns the configured maximum leverage for an active market.
func (r *Registry) MaxLeverage(symbol string) (float64, bool) {
	m, ok := r.Get(symbol)
	if !ok || m.Status != Active {
		return 0, false
	}
	return m.MaxLeverage, true
}

// List returns all markets sorted by symbol.
func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetStatus changes the trading status of a market.
// Settled is terminal.
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not found", symbol)
	}
	if m.Status == Settled {
		return fmt.Errorf("cannot change status of %s from Settled (terminal state)", symbol)
	}
	m.Status = status
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
