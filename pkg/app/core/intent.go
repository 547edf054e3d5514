package core

import "fmt"

// OrderIntent is what the user asked for. It only lives while a ticket is
// being built.
//
// Amount is interpreted by OrderType:
//   - Market: notional in quote currency (e.g. 250 = $250 of BTC)
//   - Limit:  size in base-asset units (e.g. 0.5 = 0.5 BTC)
type OrderIntent struct {
	Market     string     `json:"market"`
	Side       Side       `json:"side"`
	Amount     float64    `json:"amount"`
	OrderType  OrderType  `json:"orderType"`
	LimitPrice float64    `json:"limitPrice,omitempty"`
	Leverage   float64    `json:"leverage"`
	MarginMode MarginMode `json:"marginMode,omitempty"`
}

// Notional returns the quote-currency value of the intent.
// Market intents already carry notional; limit intents are size × limit price.
func (i OrderIntent) Notional() float64 {
	if i.OrderType == Limit {
		return i.Amount * i.LimitPrice
	}
	return i.Amount
}

// RequiredMargin is the collateral the position needs at the requested leverage.
func (i OrderIntent) RequiredMargin() float64 {
	if i.Leverage <= 0 {
		return i.Notional()
	}
	return i.Notional() / i.Leverage
}

// CheckShape rejects intents that are malformed regardless of account state.
func (i OrderIntent) CheckShape() error {
	if i.Market == "" {
		return &ValidationError{Code: CodeMalformed, Reason: "market is required"}
	}
	if i.Side != Buy && i.Side != Sell {
		return &ValidationError{Code: CodeMalformed, Reason: fmt.Sprintf("invalid side %q", i.Side)}
	}
	if i.Amount <= 0 {
		return &ValidationError{Code: CodeMalformed, Reason: "amount must be positive"}
	}
	switch i.OrderType {
	case Market:
	case Limit:
		if i.LimitPrice <= 0 {
			return &ValidationError{Code: CodeMalformed, Reason: "limit order requires a positive limit price"}
		}
	default:
		return &ValidationError{Code: CodeMalformed, Reason: fmt.Sprintf("invalid order type %q", i.OrderType)}
	}
	if i.Leverage <= 0 {
		return &ValidationError{Code: CodeMalformed, Reason: "leverage must be positive"}
	}
	if _, err := ParseMarginMode(string(i.MarginMode)); err != nil {
		return &ValidationError{Code: CodeMalformed, Reason: err.Error()}
	}
	return nil
}
