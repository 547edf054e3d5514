package marketdata

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeProvider counts fetches per symbol and answers through fn.
type fakeProvider struct {
	id string
	fn func(symbol string, n int) (AssetPrice, error)

	mu    sync.Mutex
	calls map[string]int
}

func newFake(id string, fn func(symbol string, n int) (AssetPrice, error)) *fakeProvider {
	return &fakeProvider{id: id, fn: fn, calls: make(map[string]int)}
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Fetch(ctx context.Context, symbol string) (AssetPrice, error) {
	f.mu.Lock()
	f.calls[symbol]++
	n := f.calls[symbol]
	f.mu.Unlock()
	return f.fn(symbol, n)
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProvider) symbolsFetched() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

// ticking returns a provider whose timestamps advance on every call.
func ticking(id string, price float64) *fakeProvider {
	return newFake(id, func(symbol string, n int) (AssetPrice, error) {
		return AssetPrice{Symbol: symbol, Price: price, Timestamp: t0.Add(time.Duration(n) * time.Second)}, nil
	})
}

func failing(id string) *fakeProvider {
	return newFake(id, func(string, int) (AssetPrice, error) {
		return AssetPrice{}, errors.New(id + " down")
	})
}

// recorder collects quotes delivered to a subscription.
type recorder struct {
	mu     sync.Mutex
	quotes []Quote
	ch     chan Quote
}

func newRecorder() *recorder { return &recorder{ch: make(chan Quote, 64)} }

func (r *recorder) on(q Quote) {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
	r.ch <- q
}

func (r *recorder) all() []Quote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Quote(nil), r.quotes...)
}

func (r *recorder) wait(t *testing.T) Quote {
	t.Helper()
	select {
	case q := <-r.ch:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Quote{}
	}
}

func newTestHub(providers ...Provider) *Hub {
	clock := util.NewManualClock(t0)
	sources := make([]*Source, len(providers))
	for i, p := range providers {
		sources[i] = NewSource(p, SourceOptions{})
	}
	chain := NewChain(nil, nil, clock, sources...)
	return NewHub(nil, HubConfig{RefreshInterval: time.Second, StaleAfter: -1}, chain, NewIcons(nil), clock, nil)
}

func TestHub_ManySubscribersOneFetch(t *testing.T) {
	p := ticking("primary", 100)
	hub := newTestHub(p)

	for i := 0; i < 10; i++ {
		hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	}
	hub.Tick(context.Background())

	if got := p.symbolsFetched()["BTC-PERP"]; got != 1 {
		t.Errorf("BTC-PERP fetched %d times, want 1", got)
	}
}

func TestHub_OverlappingSubscriptionsFetchUnion(t *testing.T) {
	p := ticking("primary", 100)
	hub := newTestHub(p)

	hub.Subscribe([]string{"BTC-PERP", "ETH-PERP"}, func(Quote) {})
	hub.Subscribe([]string{"ETH-PERP", "SOL-PERP"}, func(Quote) {})

	want := []string{"BTC-PERP", "ETH-PERP", "SOL-PERP"}
	if got := hub.ActiveSymbols(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ActiveSymbols = %v, want %v", got, want)
	}

	hub.Tick(context.Background())

	if p.total() != 3 {
		t.Errorf("upstream fetches = %d, want 3", p.total())
	}
	for _, s := range want {
		if p.symbolsFetched()[s] != 1 {
			t.Errorf("%s fetched %d times", s, p.symbolsFetched()[s])
		}
	}
}

func TestHub_UnsubscribeStopsPolling(t *testing.T) {
	p := ticking("primary", 100)
	hub := newTestHub(p)
	ctx := context.Background()

	keep := hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	sol := hub.Subscribe([]string{"SOL-PERP"}, func(Quote) {})
	hub.Tick(ctx)

	sol.Close()
	sol.Close() // idempotent
	hub.Tick(ctx)

	if got := p.symbolsFetched()["SOL-PERP"]; got != 1 {
		t.Errorf("SOL-PERP fetched %d times after unsubscribe, want 1", got)
	}
	if got := p.symbolsFetched()["BTC-PERP"]; got != 2 {
		t.Errorf("BTC-PERP fetched %d times, want 2", got)
	}

	hub.Subscribe([]string{"SOL-PERP"}, func(Quote) {})
	hub.Tick(ctx)
	if got := p.symbolsFetched()["SOL-PERP"]; got != 2 {
		t.Errorf("SOL-PERP not resumed: fetched %d times, want 2", got)
	}

	hub.Unsubscribe(keep)
	if got := hub.ActiveSymbols(); !reflect.DeepEqual(got, []string{"SOL-PERP"}) {
		t.Errorf("ActiveSymbols = %v", got)
	}
}

func TestHub_SubscribeToCachedSymbolUsesSnapshot(t *testing.T) {
	p := ticking("primary", 64000)
	hub := newTestHub(p)
	ctx := context.Background()

	hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	hub.Tick(ctx)

	rec := newRecorder()
	hub.Subscribe([]string{"BTC-PERP"}, rec.on)

	q := rec.wait(t)
	if !q.Loaded || q.Price.Price != 64000 {
		t.Errorf("snapshot = %+v", q)
	}
	if p.total() != 1 {
		t.Errorf("subscribe triggered an upstream fetch: total = %d", p.total())
	}
}

func TestHub_TertiaryFallbackIsSilent(t *testing.T) {
	primary := failing("primary")
	secondary := failing("secondary")
	tertiary := ticking("tertiary", 65000)
	hub := newTestHub(primary, secondary, tertiary)

	rec := newRecorder()
	hub.Subscribe([]string{"BTC-PERP"}, rec.on)
	hub.Tick(context.Background())

	q := rec.wait(t)
	if q.Err != nil || q.Stale {
		t.Errorf("consumer saw error or stale: %+v", q)
	}
	got, ok := hub.GetPrice("BTC-PERP")
	if !ok || got.Price != 65000 || got.SourceID != "tertiary" {
		t.Errorf("GetPrice = %+v, %v", got, ok)
	}
	if primary.total() != 1 || secondary.total() != 1 {
		t.Errorf("fallback attempts: primary=%d secondary=%d", primary.total(), secondary.total())
	}
}

func TestHub_AllSourcesFailKeepsLastPrice(t *testing.T) {
	var mu sync.Mutex
	down := false
	p := newFake("primary", func(symbol string, n int) (AssetPrice, error) {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return AssetPrice{}, errors.New("connection refused")
		}
		return AssetPrice{Symbol: symbol, Price: 3000, Timestamp: t0.Add(time.Duration(n) * time.Second)}, nil
	})
	hub := newTestHub(p)
	ctx := context.Background()

	rec := newRecorder()
	hub.Subscribe([]string{"ETH-PERP", "SOL-PERP"}, rec.on)
	hub.Tick(ctx)
	for range 2 {
		rec.wait(t)
	}

	mu.Lock()
	down = true
	mu.Unlock()
	hub.Tick(ctx)

	q := hub.Quote("ETH-PERP")
	if !q.Loaded || !q.Stale || q.Price.Price != 3000 {
		t.Fatalf("after failure quote = %+v", q)
	}
	var netErr *core.NetworkError
	if !errors.As(q.Err, &netErr) || netErr.Symbol != "ETH-PERP" {
		t.Errorf("quote error = %v, want NetworkError", q.Err)
	}

	delivered := rec.all()
	last := delivered[len(delivered)-1]
	if last.Err == nil || !last.Stale || last.Price.Price != 3000 {
		t.Errorf("consumer did not get stale update with last price: %+v", last)
	}

	never := hub.Quote("DOGE-PERP")
	if never.Loaded {
		t.Error("never-loaded symbol reported as loaded")
	}
}

func TestHub_NeverLoadedFailureIsDistinguishable(t *testing.T) {
	hub := newTestHub(failing("primary"))
	rec := newRecorder()
	hub.Subscribe([]string{"ARB-PERP"}, rec.on)
	hub.Tick(context.Background())

	q := rec.wait(t)
	if q.Loaded || q.Err == nil {
		t.Errorf("want unloaded quote with error, got %+v", q)
	}
	if _, ok := hub.GetPrice("ARB-PERP"); ok {
		t.Error("GetPrice returned a value for a never-loaded symbol")
	}
}

func TestHub_OutOfOrderResponseDiscarded(t *testing.T) {
	stamps := []time.Time{t0.Add(10 * time.Second), t0.Add(5 * time.Second)}
	prices := []float64{100, 90}
	p := newFake("primary", func(symbol string, n int) (AssetPrice, error) {
		return AssetPrice{Symbol: symbol, Price: prices[n-1], Timestamp: stamps[n-1]}, nil
	})
	hub := newTestHub(p)
	ctx := context.Background()

	rec := newRecorder()
	hub.Subscribe([]string{"BTC-PERP"}, rec.on)
	hub.Tick(ctx)
	hub.Tick(ctx)

	got, _ := hub.GetPrice("BTC-PERP")
	if got.Price != 100 || !got.Timestamp.Equal(stamps[0]) {
		t.Errorf("late response applied: %+v", got)
	}
	if n := len(rec.all()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestHub_UnsubscribeFromCallback(t *testing.T) {
	p := ticking("primary", 1)
	hub := newTestHub(p)

	calls := 0
	var sub *Subscription
	sub = hub.Subscribe([]string{"BTC-PERP", "ETH-PERP"}, func(Quote) {
		calls++
		sub.Close()
	})
	hub.Tick(context.Background())

	if calls != 1 {
		t.Errorf("callback ran %d times after closing itself, want 1", calls)
	}
	if len(hub.ActiveSymbols()) != 0 {
		t.Errorf("ActiveSymbols = %v", hub.ActiveSymbols())
	}
}

func TestHub_StaleAfterAge(t *testing.T) {
	clock := util.NewManualClock(t0)
	p := ticking("primary", 100)
	chain := NewChain(nil, nil, clock, NewSource(p, SourceOptions{}))
	hub := NewHub(nil, HubConfig{StaleAfter: 10 * time.Second}, chain, nil, clock, nil)

	hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	hub.Tick(context.Background())
	if hub.Quote("BTC-PERP").Stale {
		t.Fatal("fresh quote reported stale")
	}
	clock.Advance(11 * time.Second)
	if !hub.Quote("BTC-PERP").Stale {
		t.Error("aged quote not reported stale")
	}
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	p := ticking("primary", 1)
	hub := newTestHub(p)
	hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHub_SnapshotNeverOvertakesTick(t *testing.T) {
	p := ticking("primary", 100)
	hub := newTestHub(p)
	ctx := context.Background()

	hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	hub.Tick(ctx) // cache at t0+1s

	var (
		mu      sync.Mutex
		stamps  []time.Time
		active  int
		overlap bool
	)
	release := make(chan struct{})
	first := true
	hub.Subscribe([]string{"BTC-PERP"}, func(q Quote) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		wait := first
		first = false
		mu.Unlock()
		if wait {
			<-release
		}
		mu.Lock()
		stamps = append(stamps, q.Price.Timestamp)
		active--
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		hub.Tick(ctx) // cache at t0+2s
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Error("callback ran concurrently with itself")
	}
	if len(stamps) == 0 {
		t.Fatal("nothing delivered")
	}
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Errorf("delivery order %v is not increasing", stamps)
		}
	}
	cached, _ := hub.GetPrice("BTC-PERP")
	if last := stamps[len(stamps)-1]; !last.Equal(cached.Timestamp) {
		t.Errorf("last delivered %v, cache holds %v", last, cached.Timestamp)
	}
}

func TestSubscription_DropsOlderQuotes(t *testing.T) {
	var got []float64
	sub := &Subscription{onUpdate: func(q Quote) { got = append(got, q.Price.Price) }, delivered: make(map[string]time.Time)}
	at := func(sec int, price float64, stale bool) Quote {
		return Quote{Symbol: "BTC-PERP", Loaded: true, Stale: stale,
			Price: AssetPrice{Symbol: "BTC-PERP", Price: price, Timestamp: t0.Add(time.Duration(sec) * time.Second)}}
	}

	sub.deliver(at(2, 2, false), false)
	sub.deliver(at(1, 1, false), true)  // late snapshot
	sub.deliver(at(1, 1, false), false) // late tick
	sub.deliver(at(2, 2, true), false)  // failure keeps the last price
	sub.deliver(at(2, 2, false), true)  // snapshot must not undo the failure
	sub.deliver(at(2, 2, false), false) // recovery
	sub.deliver(at(3, 3, false), false)

	want := []float64{2, 2, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
}

// releasingProvider records symbols the hub stopped polling.
type releasingProvider struct {
	*fakeProvider
	mu       sync.Mutex
	released []string
}

func (r *releasingProvider) Release(symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, symbols...)
}

func TestHub_ReleasesDroppedSymbols(t *testing.T) {
	p := &releasingProvider{fakeProvider: ticking("stream", 100)}
	hub := newTestHub(p)
	ctx := context.Background()

	hub.Subscribe([]string{"BTC-PERP"}, func(Quote) {})
	eth := hub.Subscribe([]string{"ETH-PERP"}, func(Quote) {})
	hub.Tick(ctx)
	if len(p.released) != 0 {
		t.Fatalf("released %v before any unsubscribe", p.released)
	}

	eth.Close()
	hub.Tick(ctx)
	hub.Tick(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !reflect.DeepEqual(p.released, []string{"ETH-PERP"}) {
		t.Errorf("released = %v, want [ETH-PERP] once", p.released)
	}
}
