package risk

import (
	"fmt"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/app/core/market"
)

// WarnMarginUtilization is the code of the utilization warning.
const WarnMarginUtilization = "margin_utilization_high"

// tolerance absorbs float noise on the inclusive boundaries, e.g.
// 0.1 * 100 = 10.000000000000002.
const tolerance = 1e-9

// Limits are read-only at evaluation time.
type Limits struct {
	MinTradeNotional         float64 // global floor in quote currency, default 10
	MarginUtilizationWarnPct float64 // 0.8 = warn above 80%
	ExpectedChainID          int64
}

func DefaultLimits() Limits {
	return Limits{
		MinTradeNotional:         10,
		MarginUtilizationWarnPct: 0.8,
		ExpectedChainID:          1337,
	}
}

// Markets resolves per-market limits. *market.Registry implements it.
type Markets interface {
	Get(symbol string) (market.Market, bool)
}

// Result of a validation. BlockingError is a *core.ValidationError when
// IsValid is false. Warnings never block.
type Result struct {
	IsValid       bool
	BlockingError error
	Warnings      []core.Warning
}

// Validator is a pure function of account state and intent.
type Validator struct {
	limits  Limits
	markets Markets
}

func NewValidator(limits Limits, markets Markets) *Validator {
	return &Validator{limits: limits, markets: markets}
}

func (v *Validator) Limits() Limits { return v.limits }

// Validate runs the checks in order and stops at the first blocking one:
//
//  1. chain ID
//  2. intent shape
//  3. minimum notional
//  4. market known and leverage within its maximum
//  5. free margin covers notional / leverage
//  6. utilization after the trade (warning only)
func (v *Validator) Validate(acct core.AccountState, intent core.OrderIntent) Result {
	if acct.ChainID != v.limits.ExpectedChainID {
		mismatch := &core.NetworkMismatchError{Expected: v.limits.ExpectedChainID, Actual: acct.ChainID}
		return blocked(&core.ValidationError{Code: core.CodeWrongNetwork, Reason: mismatch.Error(), Cause: mismatch})
	}

	if err := intent.CheckShape(); err != nil {
		return blocked(err)
	}

	mkt, known := v.markets.Get(intent.Market)

	notional := intent.Notional()
	minNotional := v.limits.MinTradeNotional
	if known && mkt.MinNotional > minNotional {
		minNotional = mkt.MinNotional
	}
	if notional < minNotional-tolerance {
		return blocked(&core.ValidationError{
			Code:   core.CodeBelowMinimum,
			Reason: fmt.Sprintf("below minimum trade size: notional $%.2f is less than $%.2f", notional, minNotional),
		})
	}

	if !known || mkt.Status != market.Active {
		return blocked(&core.ValidationError{
			Code:   core.CodeUnknownMarket,
			Reason: fmt.Sprintf("market %s is not available for trading", intent.Market),
			Cause:  core.ErrUnknownMarket,
		})
	}
	if intent.Leverage > mkt.MaxLeverage+tolerance {
		return blocked(&core.ValidationError{
			Code:   core.CodeLeverageTooHigh,
			Reason: fmt.Sprintf("leverage %gx exceeds the %s maximum of %gx", intent.Leverage, mkt.Symbol, mkt.MaxLeverage),
		})
	}

	required := intent.RequiredMargin()
	if acct.FreeMargin+tolerance < required {
		return blocked(&core.ValidationError{
			Code:   core.CodeInsufficientMargin,
			Reason: fmt.Sprintf("insufficient free margin: need $%.2f, have $%.2f", required, acct.FreeMargin),
		})
	}

	res := Result{IsValid: true}
	if ratio := acct.Utilization(required); ratio > v.limits.MarginUtilizationWarnPct {
		res.Warnings = append(res.Warnings, core.Warning{
			Code: WarnMarginUtilization,
			Message: fmt.Sprintf("margin utilization high: %.1f%% after this trade (warning above %.0f%%)",
				ratio*100, v.limits.MarginUtilizationWarnPct*100),
		})
	}
	return res
}

func blocked(err error) Result {
	return Result{IsValid: false, BlockingError: err}
}
