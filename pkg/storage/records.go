package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PositionRecord is the net position in one market.
type PositionRecord struct {
	Market string          `json:"market"`
	Size   decimal.Decimal `json:"size"` // signed, negative = short
	Margin decimal.Decimal `json:"margin"`
}

// AccountRecord is a devnet margin account.
type AccountRecord struct {
	Address    common.Address             `json:"address"`
	Balance    decimal.Decimal            `json:"balance"`
	UsedMargin decimal.Decimal            `json:"usedMargin"`
	Positions  map[string]*PositionRecord `json:"positions"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

func (a *AccountRecord) FreeMargin() decimal.Decimal {
	return a.Balance.Sub(a.UsedMargin)
}

// SettlementRecord is written once per ticketId. Its presence makes a
// resubmission a no-op.
type SettlementRecord struct {
	TicketID  string    `json:"ticketId"`
	WindowID  string    `json:"windowId"`
	Confirmed bool      `json:"confirmed"`
	Reason    string    `json:"reason,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	SettledAt time.Time `json:"settledAt"`
}

// WindowRecord summarizes one processed window.
type WindowRecord struct {
	WindowID  string    `json:"windowId"`
	Tickets   []string  `json:"tickets"`
	Confirmed int       `json:"confirmed"`
	Rejected  int       `json:"rejected"`
	Duplicate int       `json:"duplicate"`
	At        time.Time `json:"at"`
}
