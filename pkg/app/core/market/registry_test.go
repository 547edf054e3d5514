package market

import "testing"

func TestNewMarket_DerivesBaseAsset(t *testing.T) {
	m, err := NewMarket("btc-perp", "", DefaultPerp)
	if err != nil {
		t.Fatalf("NewMarket: %v", err)
	}
	if m.Symbol != "BTC-PERP" || m.BaseAsset != "BTC" || m.QuoteAsset != "USD" {
		t.Errorf("got %s base=%s quote=%s", m.Symbol, m.BaseAsset, m.QuoteAsset)
	}
	if m.Status != Active {
		t.Errorf("status = %s, want Active", m.Status)
	}
}

func TestNewMarket_RejectsBadParams(t *testing.T) {
	if _, err := NewMarket("", "", DefaultPerp); err == nil {
		t.Error("empty symbol accepted")
	}
	if _, err := NewMarket("ETH-PERP", "", Params{MaxLeverage: 0.5}); err == nil {
		t.Error("leverage < 1 accepted")
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	btc, _ := NewMarket("BTC-PERP", "USD", Params{MaxLeverage: 50, MinNotional: 10})
	eth, _ := NewMarket("ETH-PERP", "USD", Params{MaxLeverage: 25})

	if err := r.Register(btc); err != nil {
		t.Fatalf("register btc: %v", err)
	}
	if err := r.Register(eth); err != nil {
		t.Fatalf("register eth: %v", err)
	}
	if err := r.Register(btc); err == nil {
		t.Error("duplicate registration accepted")
	}

	lev, ok := r.MaxLeverage("ETH-PERP")
	if !ok || lev != 25 {
		t.Errorf("MaxLeverage(ETH-PERP) = %v, %v", lev, ok)
	}
	if _, ok := r.MaxLeverage("SOL-PERP"); ok {
		t.Error("unknown market reported a max leverage")
	}

	list := r.List()
	if len(list) != 2 || list[0].Symbol != "BTC-PERP" || list[1].Symbol != "ETH-PERP" {
		t.Errorf("List() = %+v", list)
	}
}

func TestRegistry_PausedMarketHasNoLeverage(t *testing.T) {
	r := NewRegistry()
	m, _ := NewMarket("SOL-PERP", "USD", DefaultPerp)
	_ = r.Register(m)

	if err := r.SetStatus("SOL-PERP", Paused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok := r.MaxLeverage("SOL-PERP"); ok {
		t.Error("paused market should not be tradable")
	}

	_ = r.SetStatus("SOL-PERP", Settled)
	if err := r.SetStatus("SOL-PERP", Active); err == nil {
		t.Error("Settled -> Active should be refused")
	}
}
