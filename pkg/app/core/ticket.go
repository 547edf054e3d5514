package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperdesk/pkg/crypto"
)

// AmountDecimals is the fixed-point precision of signed sizes and prices.
const AmountDecimals = 8

// TicketStatus is the lifecycle state of an OrderTicket.
type TicketStatus int8

const (
	StatusCreated TicketStatus = iota
	StatusSigned
	StatusQueued
	StatusSubmitted
	StatusConfirmed
	StatusRejected
	StatusExpired
	StatusCancelled
)

func (s TicketStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSigned:
		return "signed"
	case StatusQueued:
		return "queued"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s TicketStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal reports whether no further transition is possible.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the ticket state machine:
//
//	Created -> Signed -> Queued -> Submitted -> {Confirmed | Rejected | Expired}
//
// plus Submitted -> Queued (batch-level failure, retry), Queued -> Expired
// (aged out), Queued -> Rejected (invalidated before submission) and
// Queued -> Cancelled (user cancel).
func CanTransition(from, to TicketStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusSigned
	case StatusSigned:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusSubmitted || to == StatusExpired || to == StatusRejected || to == StatusCancelled
	case StatusSubmitted:
		return to == StatusConfirmed || to == StatusRejected || to == StatusExpired || to == StatusQueued
	default:
		return false
	}
}

// OrderTicket is a signed, immutable order payload ("S-Auth ticket").
// Only Status and the settlement bookkeeping fields change after signing.
type OrderTicket struct {
	TicketID    string          `json:"ticketId"`
	UserAddress common.Address  `json:"userAddress"`
	Market      string          `json:"market"`
	Side        Side            `json:"side"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"` // zero for market orders
	OrderType   OrderType       `json:"orderType"`
	Leverage    float64         `json:"leverage"`
	MarginMode  MarginMode      `json:"marginMode"`
	Notional    decimal.Decimal `json:"notional"`
	Nonce       uint64          `json:"nonce"`
	CreatedAt   time.Time       `json:"createdAt"`
	Signature   hexutil.Bytes   `json:"signature"`
	Status      TicketStatus    `json:"status"`

	// Settlement bookkeeping, owned by the queue.
	Attempts int    `json:"attempts,omitempty"`
	WindowID string `json:"windowId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
}

// HasPrice reports whether the ticket carries a limit price.
func (t OrderTicket) HasPrice() bool { return !t.Price.IsZero() }

// CanCancel reports whether the UI may still offer cancellation.
func (t OrderTicket) CanCancel() bool { return t.Status == StatusQueued }

// Margin is the collateral the ticket needs at its leverage.
func (t OrderTicket) Margin() decimal.Decimal {
	if t.Leverage <= 0 {
		return t.Notional
	}
	return t.Notional.Div(decimal.NewFromFloat(t.Leverage))
}

// EIP712 returns the canonical signable form of the ticket.
func (t OrderTicket) EIP712() *crypto.TicketEIP712 {
	return &crypto.TicketEIP712{
		Market: t.Market,
		Side:   t.Side.Uint8(),
		Size:   ToFixed(t.Size),
		Price:  ToFixed(t.Price),
		Type:   t.OrderType.Uint8(),
		Owner:  t.UserAddress,
		Nonce:  new(big.Int).SetUint64(t.Nonce),
	}
}

// ToFixed converts d to an integer scaled by 10^AmountDecimals.
func ToFixed(d decimal.Decimal) *big.Int {
	return d.Round(AmountDecimals).Shift(AmountDecimals).BigInt()
}

// FromFixed is the inverse of ToFixed.
func FromFixed(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -AmountDecimals)
}

func (t OrderTicket) String() string {
	return fmt.Sprintf("%s %s %s %s@%s (%s)", t.TicketID, t.Market, t.Side, t.Size, t.Price, t.Status)
}
