package market

import (
	"fmt"
	"strings"
)

// Status defines the trading status of a market
type Status int8

const (
	Active   Status = iota // Trading enabled
	Paused                 // Trading halted (emergency)
	Settling               // Funding/expiry in progress
	Settled                // Market closed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Params is the risk-relevant configuration of a market.
type Params struct {
	MaxLeverage float64 // e.g. 50 (50x)
	MinNotional float64 // minimum order value in quote currency, 0 = use global limit
	IconURI     string  // optional explicit icon
}

// DefaultPerp mirrors a typical perp listing: 50x, $10 minimum.
var DefaultPerp = Params{
	MaxLeverage: 50,
	MinNotional: 10,
}

// Market is one tradable perpetual, e.g. BTC-PERP.
type Market struct {
	Symbol     string // "BTC-PERP"
	BaseAsset  string // "BTC"
	QuoteAsset string // "USD"
	Status     Status
	Params
}

// NewMarket builds a market from its symbol. The base asset is the part
// before the first dash.
func NewMarket(symbol, quote string, p Params) (*Market, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("empty market symbol")
	}
	if p.MaxLeverage < 1 {
		return nil, fmt.Errorf("market %s: max leverage must be >= 1, got %v", symbol, p.MaxLeverage)
	}
	if p.MinNotional < 0 {
		return nil, fmt.Errorf("market %s: negative min notional", symbol)
	}
	base := symbol
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		base = symbol[:i]
	}
	if quote == "" {
		quote = "USD"
	}
	return &Market{
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: strings.ToUpper(quote),
		Status:     Active,
		Params:     p,
	}, nil
}
