package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Uint8 returns the EIP-712 encoding of the side (1 = buy, 2 = sell).
func (s Side) Uint8() uint8 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return 2
	default:
		return 0
	}
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderType distinguishes market and limit orders. The distinction decides
// how the user-entered amount is interpreted (see OrderIntent).
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	default:
		return "", fmt.Errorf("unknown order type %q", s)
	}
}

// Uint8 returns the EIP-712 encoding of the order type (1 = market, 2 = limit).
func (t OrderType) Uint8() uint8 {
	switch t {
	case Market:
		return 1
	case Limit:
		return 2
	default:
		return 0
	}
}

func (t *OrderType) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseOrderType(raw)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MarginMode is carried on the ticket for the settlement layer.
type MarginMode string

const (
	Cross    MarginMode = "cross"
	Isolated MarginMode = "isolated"
)

func ParseMarginMode(s string) (MarginMode, error) {
	switch strings.ToLower(s) {
	case "", "cross":
		return Cross, nil
	case "isolated":
		return Isolated, nil
	default:
		return "", fmt.Errorf("unknown margin mode %q", s)
	}
}

func (m *MarginMode) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseMarginMode(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
