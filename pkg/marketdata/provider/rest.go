package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
)

// Format selects the response shape a REST source speaks.
type Format string

const (
	// FormatGeneric: GET {base}/prices/{symbol}
	//   {"symbol":"BTC-PERP","price":64000.5,"change24h":1.2,"timestamp":1700000000000}
	FormatGeneric Format = "generic"
	// FormatBinance24h: GET {base}/api/v3/ticker/24hr?symbol=BTCUSDT
	FormatBinance24h Format = "binance24h"
)

// REST polls a public ticker endpoint.
type REST struct {
	id         string
	baseURL    string
	format     Format
	httpClient *http.Client
}

func NewREST(id, baseURL string, format Format) *REST {
	if format == "" {
		format = FormatGeneric
	}
	return &REST{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		format:  format,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *REST) ID() string { return r.id }

func (r *REST) Fetch(ctx context.Context, symbol string) (marketdata.AssetPrice, error) {
	var endpoint string
	switch r.format {
	case FormatBinance24h:
		endpoint = fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", r.baseURL, url.QueryEscape(BinanceSymbol(symbol)))
	default:
		endpoint = fmt.Sprintf("%s/prices/%s", r.baseURL, url.PathEscape(symbol))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return marketdata.AssetPrice{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return marketdata.AssetPrice{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return marketdata.AssetPrice{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: HTTP 429", marketdata.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return marketdata.AssetPrice{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 128))
	}

	if r.format == FormatBinance24h {
		return decodeBinance24h(symbol, body)
	}
	return decodeGeneric(symbol, body)
}

type genericTicker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

func decodeGeneric(symbol string, body []byte) (marketdata.AssetPrice, error) {
	var t genericTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: %v", marketdata.ErrMalformed, err)
	}
	p := marketdata.AssetPrice{
		Symbol:           t.Symbol,
		Price:            t.Price,
		ChangePercent24h: t.Change24h,
	}
	if t.Timestamp > 0 {
		p.Timestamp = time.UnixMilli(t.Timestamp).UTC()
	}
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	return p, nil
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

func decodeBinance24h(symbol string, body []byte) (marketdata.AssetPrice, error) {
	var t binanceTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: %v", marketdata.ErrMalformed, err)
	}
	if t.Symbol != BinanceSymbol(symbol) {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: ticker for %q", marketdata.ErrMalformed, t.Symbol)
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return marketdata.AssetPrice{}, fmt.Errorf("%w: lastPrice %q", marketdata.ErrMalformed, t.LastPrice)
	}
	change, _ := strconv.ParseFloat(t.PriceChangePercent, 64)
	p := marketdata.AssetPrice{
		Symbol:           symbol,
		Price:            price,
		ChangePercent24h: change,
	}
	if t.CloseTime > 0 {
		p.Timestamp = time.UnixMilli(t.CloseTime).UTC()
	}
	return p, nil
}

// BinanceSymbol maps a perp market to the spot pair used as its reference,
// "BTC-PERP" -> "BTCUSDT".
func BinanceSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	return s + "USDT"
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
