package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func openMem(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewMemStore()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := openMem(t)
	addr := common.HexToAddress("0x1234")

	if acc, err := s.LoadAccount(addr); err != nil || acc != nil {
		t.Fatalf("LoadAccount on empty store = %v, %v", acc, err)
	}

	acc := NewAccount(addr)
	acc.Balance = decimal.NewFromInt(1000)
	acc.UsedMargin = decimal.NewFromInt(150)
	acc.Positions["BTC-PERP"] = &PositionRecord{Market: "BTC-PERP", Size: decimal.RequireFromString("-0.25"), Margin: decimal.NewFromInt(150)}
	if err := s.SaveAccount(acc); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccount(addr)
	if err != nil || got == nil {
		t.Fatalf("LoadAccount = %v, %v", got, err)
	}
	if !got.FreeMargin().Equal(decimal.NewFromInt(850)) {
		t.Errorf("free margin = %s", got.FreeMargin())
	}
	if !got.Positions["BTC-PERP"].Size.Equal(decimal.RequireFromString("-0.25")) {
		t.Errorf("position = %+v", got.Positions["BTC-PERP"])
	}
}

func TestCommitSettlementIsAtomicUnit(t *testing.T) {
	s := openMem(t)
	addr := common.HexToAddress("0xbeef")
	acc := NewAccount(addr)
	acc.Balance = decimal.NewFromInt(500)

	rec := &SettlementRecord{TicketID: "t-1", WindowID: "w-1", Confirmed: true, TxHash: "0xabc", SettledAt: time.Unix(1700000000, 0).UTC()}
	if err := s.CommitSettlement(rec, acc); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSettlement("t-1")
	if err != nil || got == nil || !got.Confirmed || got.TxHash != "0xabc" {
		t.Fatalf("LoadSettlement = %+v, %v", got, err)
	}
	if a, _ := s.LoadAccount(addr); a == nil || !a.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("account not written with settlement: %+v", a)
	}
	if missing, err := s.LoadSettlement("t-2"); missing != nil || err != nil {
		t.Errorf("unknown ticket = %+v, %v", missing, err)
	}
}

func TestLoadAllAccounts(t *testing.T) {
	s := openMem(t)
	for _, a := range []string{"0x01", "0x02", "0x03"} {
		if err := s.SaveAccount(NewAccount(common.HexToAddress(a))); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.SaveWindow(&WindowRecord{WindowID: "w"})

	all, err := s.LoadAllAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("accounts = %d, want 3", len(all))
	}
}

func TestKeyUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("acc:"), []byte("acc;")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := keyUpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("keyUpperBound(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
