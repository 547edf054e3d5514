package provider

import (
	"context"
	"errors"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestStatic(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1700000000, 0))
	s := NewStatic("devnet", clock)
	if _, err := s.Fetch(context.Background(), "BTC-PERP"); err == nil {
		t.Error("expected error for unset symbol")
	}
	s.Set("btc-perp", 64000, 1.5)
	p, err := s.Fetch(context.Background(), "BTC-PERP")
	if err != nil || p.Price != 64000 || p.SourceID != "devnet" || !p.Timestamp.Equal(clock.Now()) {
		t.Errorf("Fetch = %+v, %v", p, err)
	}
}

func TestREST_Generic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/BTC-PERP" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"symbol":"BTC-PERP","price":64000.5,"change24h":-1.25,"timestamp":1700000000000}`))
	}))
	defer srv.Close()

	p, err := NewREST("gen", srv.URL, FormatGeneric).Fetch(context.Background(), "BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 64000.5 || p.ChangePercent24h != -1.25 || p.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("got %+v", p)
	}
}

func TestREST_Binance24h(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" || r.URL.Query().Get("symbol") != "ETHUSDT" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"symbol":"ETHUSDT","lastPrice":"3012.40","priceChangePercent":"2.100","closeTime":1700000000123}`))
	}))
	defer srv.Close()

	p, err := NewREST("binance", srv.URL, FormatBinance24h).Fetch(context.Background(), "ETH-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if p.Symbol != "ETH-PERP" || p.Price != 3012.40 || p.ChangePercent24h != 2.1 {
		t.Errorf("got %+v", p)
	}
}

func TestREST_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, marketdata.ErrRateLimited},
		{"bad json", http.StatusOK, `not json`, marketdata.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewREST("x", srv.URL, FormatGeneric).Fetch(context.Background(), "BTC-PERP")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBinanceSymbol(t *testing.T) {
	if got := BinanceSymbol("sol-perp"); got != "SOLUSDT" {
		t.Errorf("BinanceSymbol = %s", got)
	}
}

func TestStream_ServesPushedPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			for _, sym := range msg.Symbols {
				conn.WriteJSON(StreamMessage{Symbol: sym, Price: 101.5, Change24h: 0.5, TS: time.Now().UnixMilli()})
			}
		}
	}))
	defer srv.Close()

	s := NewStream(nil, "ws", "ws"+strings.TrimPrefix(srv.URL, "http"), time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Fetch(ctx, "BTC-PERP"); !errors.Is(err, ErrNoData) {
		t.Fatalf("first Fetch err = %v, want ErrNoData", err)
	}
	go s.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		p, err := s.Fetch(ctx, "BTC-PERP")
		if err == nil {
			if p.Price != 101.5 || p.SourceID != "ws" {
				t.Errorf("got %+v", p)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no streamed price: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStream_DropsOutOfOrderMessages(t *testing.T) {
	s := NewStream(nil, "ws", "ws://unused", time.Minute, nil)
	s.handle([]byte(`{"symbol":"ETH-PERP","price":10,"ts":2000}`))
	s.handle([]byte(`{"symbol":"ETH-PERP","price":9,"ts":1000}`))

	p, err := s.Fetch(context.Background(), "ETH-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 10 {
		t.Errorf("older message applied: %+v", p)
	}
}

func TestStream_ReleasedSymbolsAreNotResubscribed(t *testing.T) {
	s := NewStream(nil, "ws", "ws://unused", time.Minute, nil)
	ctx := context.Background()
	s.Fetch(ctx, "BTC-PERP")
	s.Fetch(ctx, "ETH-PERP")
	s.handle([]byte(`{"symbol":"BTC-PERP","price":64000,"ts":1000}`))

	s.Release([]string{"btc-perp", "DOGE-PERP"})

	if got := s.wantedSymbols(); len(got) != 1 || got[0] != "ETH-PERP" {
		t.Fatalf("wanted after release = %v", got)
	}
	if _, err := s.Fetch(ctx, "ETH-PERP"); !errors.Is(err, ErrNoData) {
		t.Fatalf("ETH-PERP err = %v", err)
	}

	// A reconnect resubscribes only what is still wanted.
	upgrader := websocket.Upgrader{}
	first := make(chan StreamMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		first <- msg
		conn.ReadMessage()
	}))
	defer srv.Close()

	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Run(runCtx)

	select {
	case msg := <-first:
		if msg.Op != "subscribe" || len(msg.Symbols) != 1 || msg.Symbols[0] != "ETH-PERP" {
			t.Errorf("resubscribe = %+v, want ETH-PERP only", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream never connected")
	}

	s.mu.RLock()
	_, cached := s.latest["BTC-PERP"]
	s.mu.RUnlock()
	if cached {
		t.Error("released symbol still cached")
	}
}

// fakeAggregator answers decimals() and latestRoundData().
type fakeAggregator struct {
	decimals uint8
	answer   *big.Int
	updated  int64
	calls    int
}

func (f *fakeAggregator) CallContract(ctx context.Context, msg geth.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	switch string(msg.Data[:4]) {
	case string(aggregatorABI.Methods["decimals"].ID):
		return aggregatorABI.Methods["decimals"].Outputs.Pack(f.decimals)
	case string(aggregatorABI.Methods["latestRoundData"].ID):
		return aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
			big.NewInt(7), f.answer, big.NewInt(f.updated), big.NewInt(f.updated), big.NewInt(7),
		)
	}
	return nil, errors.New("unknown selector")
}

func TestChainlink(t *testing.T) {
	agg := &fakeAggregator{decimals: 8, answer: big.NewInt(6400012345678), updated: 1700000000}
	c := NewChainlink("chainlink", agg, map[string]string{
		"BTC-PERP": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
	})

	p, err := c.Fetch(context.Background(), "BTC-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p.Price-64000.12345678) > 1e-9 {
		t.Errorf("price = %v", p.Price)
	}
	if p.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", p.Timestamp)
	}

	// decimals is cached after the first call
	_, _ = c.Fetch(context.Background(), "BTC-PERP")
	if agg.calls != 3 {
		t.Errorf("contract calls = %d, want 3", agg.calls)
	}

	if _, err := c.Fetch(context.Background(), "DOGE-PERP"); err == nil {
		t.Error("expected error for symbol without feed")
	}
}
