package risk

import (
	"errors"
	"strings"
	"testing"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/app/core/market"
)

func testValidator(t *testing.T) *Validator {
	t.Helper()
	reg := market.NewRegistry()
	for _, m := range []struct {
		sym string
		p   market.Params
	}{
		{"BTC-PERP", market.Params{MaxLeverage: 50}},
		{"ETH-PERP", market.Params{MaxLeverage: 25}},
		{"SOL-PERP", market.Params{MaxLeverage: 20, MinNotional: 25}},
	} {
		mk, err := market.NewMarket(m.sym, "USD", m.p)
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Register(mk); err != nil {
			t.Fatal(err)
		}
	}
	return NewValidator(DefaultLimits(), reg)
}

func account(balance, used float64) core.AccountState {
	return core.AccountState{
		Balance:    balance,
		UsedMargin: used,
		FreeMargin: balance - used,
		ChainID:    1337,
	}
}

func marketBuy(sym string, notional, lev float64) core.OrderIntent {
	return core.OrderIntent{Market: sym, Side: core.Buy, Amount: notional, OrderType: core.Market, Leverage: lev}
}

func codeOf(t *testing.T, r Result) core.ValidationCode {
	t.Helper()
	var ve *core.ValidationError
	if !errors.As(r.BlockingError, &ve) {
		t.Fatalf("BlockingError = %v, want *core.ValidationError", r.BlockingError)
	}
	return ve.Code
}

func TestValidate_BelowMinimumScenario(t *testing.T) {
	v := testValidator(t)
	r := v.Validate(account(1000, 0), marketBuy("BTC-PERP", 5, 5))

	if r.IsValid {
		t.Fatal("$5 notional accepted")
	}
	if codeOf(t, r) != core.CodeBelowMinimum {
		t.Errorf("code = %s", codeOf(t, r))
	}
	if !strings.Contains(r.BlockingError.Error(), "below minimum trade size") {
		t.Errorf("reason = %q", r.BlockingError.Error())
	}
}

func TestValidate_UtilizationWarningScenario(t *testing.T) {
	v := testValidator(t)
	// 1000 notional at 10x needs $100 margin; (850+100)/1000 = 95%
	r := v.Validate(account(1000, 850), marketBuy("BTC-PERP", 1000, 10))

	if !r.IsValid {
		t.Fatalf("blocked: %v", r.BlockingError)
	}
	if len(r.Warnings) != 1 || r.Warnings[0].Code != WarnMarginUtilization {
		t.Fatalf("warnings = %+v", r.Warnings)
	}
	if !strings.Contains(r.Warnings[0].Message, "margin utilization high") {
		t.Errorf("warning message = %q", r.Warnings[0].Message)
	}
}

func TestValidate_MinNotionalBoundary(t *testing.T) {
	v := testValidator(t)
	tests := []struct {
		name   string
		intent core.OrderIntent
		valid  bool
	}{
		{"market exactly min", marketBuy("BTC-PERP", 10, 1), true},
		{"market just below", marketBuy("BTC-PERP", 9.99, 1), false},
		{"limit size*price exactly min", core.OrderIntent{Market: "BTC-PERP", Side: core.Sell, Amount: 0.1, OrderType: core.Limit, LimitPrice: 100, Leverage: 1}, true},
		{"limit size*price below", core.OrderIntent{Market: "BTC-PERP", Side: core.Sell, Amount: 0.09, OrderType: core.Limit, LimitPrice: 100, Leverage: 1}, false},
		{"market override applies", marketBuy("SOL-PERP", 20, 1), false},
		{"market override boundary", marketBuy("SOL-PERP", 25, 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(account(1000, 0), tt.intent)
			if r.IsValid != tt.valid {
				t.Errorf("IsValid = %v, want %v (err %v)", r.IsValid, tt.valid, r.BlockingError)
			}
		})
	}
}

func TestValidate_LeverageBoundary(t *testing.T) {
	v := testValidator(t)
	tests := []struct {
		lev   float64
		valid bool
	}{
		{1, true},
		{25, true},
		{25.5, false},
		{100, false},
	}
	for _, tt := range tests {
		r := v.Validate(account(100000, 0), marketBuy("ETH-PERP", 1000, tt.lev))
		if r.IsValid != tt.valid {
			t.Errorf("leverage %v: IsValid = %v, want %v", tt.lev, r.IsValid, tt.valid)
		}
		if !tt.valid && codeOf(t, r) != core.CodeLeverageTooHigh {
			t.Errorf("leverage %v: code = %s", tt.lev, codeOf(t, r))
		}
	}
}

func TestValidate_LeverageRejectedRegardlessOfBalance(t *testing.T) {
	v := testValidator(t)
	for _, acct := range []core.AccountState{account(1e9, 0), account(0, 0), account(1000, 999)} {
		r := v.Validate(acct, marketBuy("ETH-PERP", 1000, 26))
		if r.IsValid || codeOf(t, r) != core.CodeLeverageTooHigh {
			t.Errorf("balance %v: got %+v", acct.Balance, r)
		}
	}
}

func TestValidate_UnknownMarket(t *testing.T) {
	v := testValidator(t)
	r := v.Validate(account(1000, 0), marketBuy("DOGE-PERP", 100, 2))
	if r.IsValid || codeOf(t, r) != core.CodeUnknownMarket {
		t.Fatalf("got %+v", r)
	}
	if !errors.Is(r.BlockingError, core.ErrUnknownMarket) {
		t.Error("unknown market error does not wrap ErrUnknownMarket")
	}
}

func TestValidate_InsufficientMargin(t *testing.T) {
	v := testValidator(t)
	// needs 1000/5 = 200, has 150
	r := v.Validate(account(1000, 850), marketBuy("BTC-PERP", 1000, 5))
	if r.IsValid || codeOf(t, r) != core.CodeInsufficientMargin {
		t.Fatalf("got %+v", r)
	}
	// exactly enough is fine
	r = v.Validate(account(1000, 800), marketBuy("BTC-PERP", 1000, 5))
	if !r.IsValid {
		t.Errorf("exact free margin rejected: %v", r.BlockingError)
	}
}

func TestValidate_NetworkTakesPriority(t *testing.T) {
	v := testValidator(t)
	acct := account(0, 0)
	acct.ChainID = 1

	// every other check would also fail
	r := v.Validate(acct, marketBuy("DOGE-PERP", 1, 500))
	if r.IsValid || codeOf(t, r) != core.CodeWrongNetwork {
		t.Fatalf("got %+v", r)
	}
	var mismatch *core.NetworkMismatchError
	if !errors.As(r.BlockingError, &mismatch) || mismatch.Actual != 1 || mismatch.Expected != 1337 {
		t.Errorf("mismatch = %+v", mismatch)
	}
}

func TestValidate_OrderShortCircuits(t *testing.T) {
	v := testValidator(t)
	// below minimum and leverage too high: minimum is reported
	r := v.Validate(account(1000, 0), marketBuy("BTC-PERP", 5, 100))
	if codeOf(t, r) != core.CodeBelowMinimum {
		t.Errorf("code = %s, want below_minimum", codeOf(t, r))
	}
	// leverage too high and insufficient margin: leverage is reported
	r = v.Validate(account(10, 10), marketBuy("BTC-PERP", 1000, 100))
	if codeOf(t, r) != core.CodeLeverageTooHigh {
		t.Errorf("code = %s, want leverage_too_high", codeOf(t, r))
	}
}

func TestValidate_NoWarningUnderThreshold(t *testing.T) {
	v := testValidator(t)
	r := v.Validate(account(1000, 100), marketBuy("BTC-PERP", 1000, 10))
	if !r.IsValid || len(r.Warnings) != 0 {
		t.Errorf("got %+v", r)
	}
}

func TestValidate_PausedMarketBlocked(t *testing.T) {
	reg := market.NewRegistry()
	m, _ := market.NewMarket("BTC-PERP", "USD", market.DefaultPerp)
	_ = reg.Register(m)
	_ = reg.SetStatus("BTC-PERP", market.Paused)
	v := NewValidator(DefaultLimits(), reg)

	r := v.Validate(account(1000, 0), marketBuy("BTC-PERP", 100, 2))
	if r.IsValid || codeOf(t, r) != core.CodeUnknownMarket {
		t.Errorf("got %+v", r)
	}
}
