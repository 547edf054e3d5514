package api

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// MarketInfo is a market's static configuration
type MarketInfo struct {
	Symbol      string  `json:"symbol"`     // e.g. "BTC-PERP"
	BaseAsset   string  `json:"baseAsset"`  // e.g. "BTC"
	QuoteAsset  string  `json:"quoteAsset"` // e.g. "USD"
	Status      string  `json:"status"`     // "Active", "Paused", ...
	MaxLeverage float64 `json:"maxLeverage"`
	MinNotional float64 `json:"minNotional"`
	IconURI     string  `json:"iconUri"`
}

// PriceInfo is the hub's current view of one symbol
type PriceInfo struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	ChangePercent24h float64 `json:"changePercent24h"`
	Timestamp        int64   `json:"timestamp"` // Unix milliseconds
	SourceID         string  `json:"sourceId"`
	Stale            bool    `json:"stale"`
	Error            string  `json:"error,omitempty"`
}

type IconInfo struct {
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// OrderRequest carries the intent plus the trader's address. The address
// selects the signer: a server-held key if one is configured for it,
// otherwise the wallet behind the signing:<address> WebSocket channel.
type OrderRequest struct {
	Address string `json:"address"`
	core.OrderIntent
}

// SignatureSubmission answers a sign_request pushed over WebSocket
type SignatureSubmission struct {
	Signature hexutil.Bytes `json:"signature,omitempty"`
	Rejected  bool          `json:"rejected,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is sent by clients. Channels are "prices:<SYMBOL>",
// "tickets" and "signing:<address>".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSAck confirms a subscribe/unsubscribe op
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

type PriceUpdate struct {
	Type    string `json:"type"` // "price"
	Channel string `json:"channel"`
	PriceInfo
}

type TicketUpdate struct {
	Type    string           `json:"type"` // "ticket"
	Channel string           `json:"channel"`
	Ticket  core.OrderTicket `json:"ticket"`
	Error   string           `json:"error,omitempty"`
	At      int64            `json:"at"`
}

// SignRequest asks the wallet on signing:<address> to sign TypedData
// (eth_signTypedData_v4) and POST the result to
// /api/v1/sign-requests/{requestId}.
type SignRequest struct {
	Type      string          `json:"type"` // "sign_request"
	Channel   string          `json:"channel"`
	RequestID string          `json:"requestId"`
	Address   string          `json:"address"`
	Digest    hexutil.Bytes   `json:"digest"`
	TypedData json.RawMessage `json:"typedData"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
}

func priceInfo(q marketdata.Quote) PriceInfo {
	p := PriceInfo{
		Symbol:           q.Symbol,
		Price:            q.Price.Price,
		ChangePercent24h: q.Price.ChangePercent24h,
		SourceID:         q.Price.SourceID,
		Stale:            q.Stale,
	}
	if !q.Price.Timestamp.IsZero() {
		p.Timestamp = q.Price.Timestamp.UnixMilli()
	}
	if q.Err != nil {
		p.Error = q.Err.Error()
	}
	return p
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
