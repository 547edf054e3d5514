package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// Static serves prices set in process. Used on devnet and as the last
// source of a chain when no upstream is reachable.
type Static struct {
	id    string
	clock util.Clock

	mu     sync.RWMutex
	prices map[string]marketdata.AssetPrice
}

func NewStatic(id string, clock util.Clock) *Static {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Static{id: id, clock: clock, prices: make(map[string]marketdata.AssetPrice)}
}

func (s *Static) ID() string { return s.id }

// Set publishes a price stamped with the current clock time.
func (s *Static) Set(symbol string, price, change24h float64) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = marketdata.AssetPrice{
		Symbol:           symbol,
		Price:            price,
		ChangePercent24h: change24h,
		Timestamp:        s.clock.Now(),
		SourceID:         s.id,
	}
}

func (s *Static) Fetch(ctx context.Context, symbol string) (marketdata.AssetPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return marketdata.AssetPrice{}, fmt.Errorf("%s: no price for %s", s.id, symbol)
	}
	return p, nil
}
