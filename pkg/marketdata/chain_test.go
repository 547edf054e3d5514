package marketdata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

func TestChain_MalformedFallsThrough(t *testing.T) {
	bad := newFake("bad", func(symbol string, _ int) (AssetPrice, error) {
		return AssetPrice{Symbol: symbol, Price: -1}, nil
	})
	good := ticking("good", 42)
	chain := NewChain(nil, nil, util.NewManualClock(t0), NewSource(bad, SourceOptions{}), NewSource(good, SourceOptions{}))

	p, err := chain.Fetch(context.Background(), "BTC-PERP")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.SourceID != "good" {
		t.Errorf("source = %s, want good", p.SourceID)
	}
}

func TestChain_WrongSymbolIsMalformed(t *testing.T) {
	p := newFake("x", func(string, int) (AssetPrice, error) {
		return AssetPrice{Symbol: "ETH-PERP", Price: 1}, nil
	})
	chain := NewChain(nil, nil, nil, NewSource(p, SourceOptions{}))

	_, err := chain.Fetch(context.Background(), "BTC-PERP")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestChain_RateLimitFallsThrough(t *testing.T) {
	limited := ticking("limited", 1)
	backup := ticking("backup", 2)
	chain := NewChain(nil, nil, util.NewManualClock(t0),
		NewSource(limited, SourceOptions{RPS: 0.001, Burst: 1}),
		NewSource(backup, SourceOptions{}),
	)
	ctx := context.Background()

	first, _ := chain.Fetch(ctx, "BTC-PERP")
	second, err := chain.Fetch(ctx, "BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if first.SourceID != "limited" || second.SourceID != "backup" {
		t.Errorf("sources = %s, %s", first.SourceID, second.SourceID)
	}
	if limited.total() != 1 {
		t.Errorf("rate-limited provider was called %d times", limited.total())
	}
}

func TestChain_BreakerOpensAfterFailures(t *testing.T) {
	flaky := failing("flaky")
	backup := ticking("backup", 2)
	chain := NewChain(nil, nil, util.NewManualClock(t0),
		NewSource(flaky, SourceOptions{TripAfter: 2, Cooldown: time.Hour}),
		NewSource(backup, SourceOptions{}),
	)
	ctx := context.Background()

	for range 5 {
		if _, err := chain.Fetch(ctx, "BTC-PERP"); err != nil {
			t.Fatal(err)
		}
	}
	if flaky.total() != 2 {
		t.Errorf("flaky provider called %d times, breaker should stop it after 2", flaky.total())
	}
}

func TestChain_TimeoutFallsThrough(t *testing.T) {
	slow := newFake("slow", func(string, int) (AssetPrice, error) {
		time.Sleep(200 * time.Millisecond)
		return AssetPrice{}, context.DeadlineExceeded
	})
	fast := ticking("fast", 3)
	chain := NewChain(nil, nil, nil,
		NewSource(slow, SourceOptions{Timeout: 10 * time.Millisecond}),
		NewSource(fast, SourceOptions{}),
	)

	p, err := chain.Fetch(context.Background(), "SOL-PERP")
	if err != nil || p.SourceID != "fast" {
		t.Errorf("Fetch = %+v, %v", p, err)
	}
}

func TestChain_AllFailJoinsErrors(t *testing.T) {
	chain := NewChain(nil, nil, nil, NewSource(failing("a"), SourceOptions{}), NewSource(failing("b"), SourceOptions{}))

	_, err := chain.Fetch(context.Background(), "BTC-PERP")
	var netErr *core.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %T, want *core.NetworkError", err)
	}
	msg := err.Error()
	for _, want := range []string{"a: a down", "b: b down"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestChain_FillsDefaults(t *testing.T) {
	clock := util.NewManualClock(t0)
	p := newFake("src", func(string, int) (AssetPrice, error) {
		return AssetPrice{Price: 5}, nil
	})
	chain := NewChain(nil, nil, clock, NewSource(p, SourceOptions{}))

	got, err := chain.Fetch(context.Background(), "BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if got.Symbol != "BTC-PERP" || got.SourceID != "src" || !got.Timestamp.Equal(t0) {
		t.Errorf("defaults not filled: %+v", got)
	}
}

func TestIcons(t *testing.T) {
	icons := NewIcons(map[string]string{"HYPE": "https://cdn.example/hype.png"})
	tests := []struct {
		in, want string
	}{
		{"BTC-PERP", "/static/icons/btc.svg"},
		{"eth", "/static/icons/eth.svg"},
		{"HYPE-PERP", "https://cdn.example/hype.png"},
		{"UNKNOWN-PERP", PlaceholderIcon},
		{"", PlaceholderIcon},
	}
	for _, tt := range tests {
		if got := icons.For(tt.in); got != tt.want {
			t.Errorf("For(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	var nilIcons *Icons
	if nilIcons.For("BTC") != "/static/icons/btc.svg" {
		t.Error("nil Icons should still resolve known assets")
	}
}
