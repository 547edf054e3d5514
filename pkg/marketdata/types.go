package marketdata

import (
	"context"
	"errors"
	"time"
)

// AssetPrice is an immutable price snapshot.
type AssetPrice struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	ChangePercent24h float64   `json:"changePercent24h"`
	Timestamp        time.Time `json:"timestamp"`
	SourceID         string    `json:"sourceId"`
}

// Quote is what consumers see for one symbol: the last known price plus
// whether it can still be trusted.
//
//	Loaded=false            never populated
//	Loaded=true, Stale=true last refresh failed or the price aged out
type Quote struct {
	Symbol string     `json:"symbol"`
	Price  AssetPrice `json:"price"`
	Loaded bool       `json:"loaded"`
	Stale  bool       `json:"stale"`
	Err    error      `json:"-"`
}

// Provider is one upstream market-data source.
type Provider interface {
	ID() string
	Fetch(ctx context.Context, symbol string) (AssetPrice, error)
}

// Fetcher resolves one symbol to a price. Chain is the production Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (AssetPrice, error)
}

// Releaser is implemented by sources that hold upstream state per symbol,
// such as a push subscription. The hub releases symbols that left the
// polled set.
type Releaser interface {
	Release(symbols []string)
}

// Per-attempt failure classes. Each one makes the chain move on to the next
// source.
var (
	ErrRateLimited = errors.New("source rate limit exceeded")
	ErrBreakerOpen = errors.New("source circuit open")
	ErrTimeout     = errors.New("source timed out")
	ErrMalformed   = errors.New("malformed price payload")
)
