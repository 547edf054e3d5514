package core

import (
	"errors"
	"fmt"
)

// Lookup and state errors.
var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrNotCancellable  = errors.New("ticket can no longer be cancelled")
	ErrDuplicateTicket = errors.New("ticket already admitted")
	ErrNotSigned       = errors.New("ticket is not signed")
	ErrNoPrice         = errors.New("no price available")
	ErrStalePrice      = errors.New("price is stale")
	ErrUnknownMarket   = errors.New("unknown market")
)

// ValidationCode classifies a blocking risk-check failure.
type ValidationCode string

const (
	CodeMalformed          ValidationCode = "malformed"
	CodeWrongNetwork       ValidationCode = "wrong_network"
	CodeBelowMinimum       ValidationCode = "below_minimum"
	CodeUnknownMarket      ValidationCode = "unknown_market"
	CodeLeverageTooHigh    ValidationCode = "leverage_too_high"
	CodeInsufficientMargin ValidationCode = "insufficient_margin"
	CodePriceUnavailable   ValidationCode = "price_unavailable"
)

// ValidationError is a blocking risk-limit violation. It is surfaced before
// any signature is requested and is never retried.
type ValidationError struct {
	Code   ValidationCode
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string { return e.Reason }
func (e *ValidationError) Unwrap() error { return e.Cause }

// NetworkMismatchError means the wallet is connected to the wrong chain.
// It always arrives wrapped in a ValidationError with CodeWrongNetwork.
type NetworkMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *NetworkMismatchError) Error() string {
	return fmt.Sprintf("wrong network: connected to chain %d, expected chain %d", e.Actual, e.Expected)
}

// NetworkError is returned when every provider in the chain failed for a symbol.
type NetworkError struct {
	Symbol string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("price feed unavailable for %s: %v", e.Symbol, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

// SignatureError means the signer refused, timed out or is unavailable.
// No ticket exists when this is returned.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err == nil {
		return "signature failed: " + e.Reason
	}
	return fmt.Sprintf("signature failed: %s: %v", e.Reason, e.Err)
}
func (e *SignatureError) Unwrap() error { return e.Err }

// SettlementError describes why a ticket did not settle.
type SettlementError struct {
	TicketID string
	WindowID string
	Reason   string
	Err      error
}

func (e *SettlementError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("settlement of ticket %s failed: %s", e.TicketID, e.Reason)
	}
	return fmt.Sprintf("settlement of ticket %s failed: %s: %v", e.TicketID, e.Reason, e.Err)
}
func (e *SettlementError) Unwrap() error { return e.Err }

// Warning is a non-blocking risk observation. It never prevents submission.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w Warning) String() string { return w.Message }
