package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/metrics"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// SourceOptions bounds how hard one provider may be hit.
type SourceOptions struct {
	RPS       float64       // sustained requests per second, 0 = unlimited
	Burst     int           // bucket size, defaults to 1
	Timeout   time.Duration // per attempt, defaults to 3s
	TripAfter uint32        // consecutive failures that open the breaker, defaults to 3
	Cooldown  time.Duration // open -> half-open, defaults to 30s
}

// Source is a provider wrapped with its own rate limiter and circuit breaker.
type Source struct {
	provider Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
}

func NewSource(p Provider, opts SourceOptions) *Source {
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	trip := opts.TripAfter

	st := gobreaker.Settings{Name: p.ID()}
	st.Timeout = opts.Cooldown
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= trip
	}

	return &Source{
		provider: p,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		breaker:  gobreaker.NewCircuitBreaker(st),
		timeout:  opts.Timeout,
	}
}

func (s *Source) ID() string { return s.provider.ID() }

// Chain tries its sources in order and returns the first valid price.
// Fallback happens within one call only; Chain never loops back.
type Chain struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	clock   util.Clock
	sources []*Source
}

func NewChain(log *zap.SugaredLogger, m *metrics.Metrics, clock util.Clock, sources ...*Source) *Chain {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Chain{log: util.OrNop(log), metrics: m, clock: clock, sources: sources}
}

// SourceIDs returns the fallback order.
func (c *Chain) SourceIDs() []string {
	ids := make([]string, len(c.sources))
	for i, s := range c.sources {
		ids[i] = s.ID()
	}
	return ids
}

// Release forwards to every source that keeps per-symbol upstream state.
func (c *Chain) Release(symbols []string) {
	for _, s := range c.sources {
		if r, ok := s.provider.(Releaser); ok {
			r.Release(symbols)
		}
	}
}

// Fetch walks the chain. When every source fails the result is a
// *core.NetworkError joining each attempt's error.
func (c *Chain) Fetch(ctx context.Context, symbol string) (AssetPrice, error) {
	if len(c.sources) == 0 {
		return AssetPrice{}, &core.NetworkError{Symbol: symbol, Err: errors.New("no price sources configured")}
	}

	var errs []error
	for i, s := range c.sources {
		p, err := c.attempt(ctx, s, symbol)
		if err == nil {
			c.metrics.PriceFetch(s.ID(), "ok")
			if i > 0 {
				c.log.Debugw("price_fallback_used", "symbol", symbol, "source", s.ID(), "position", i)
			}
			return p, nil
		}
		c.metrics.PriceFetch(s.ID(), resultLabel(err))
		c.log.Debugw("price_source_failed", "symbol", symbol, "source", s.ID(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return AssetPrice{}, &core.NetworkError{Symbol: symbol, Err: errors.Join(errs...)}
}

func (c *Chain) attempt(ctx context.Context, s *Source, symbol string) (AssetPrice, error) {
	if !s.limiter.Allow() {
		return AssetPrice{}, ErrRateLimited
	}

	v, err := s.breaker.Execute(func() (interface{}, error) {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		p, err := s.provider.Fetch(actx, symbol)
		if err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, s.timeout, err)
			}
			return nil, err
		}
		if err := c.normalize(s.ID(), symbol, &p); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return AssetPrice{}, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return AssetPrice{}, err
	}
	return v.(AssetPrice), nil
}

// normalize fills defaults and rejects payloads no consumer should see.
func (c *Chain) normalize(sourceID, symbol string, p *AssetPrice) error {
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	if !strings.EqualFold(p.Symbol, symbol) {
		return fmt.Errorf("%w: asked for %s, got %s", ErrMalformed, symbol, p.Symbol)
	}
	p.Symbol = symbol
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
		return fmt.Errorf("%w: price %v", ErrMalformed, p.Price)
	}
	if math.IsNaN(p.ChangePercent24h) || math.IsInf(p.ChangePercent24h, 0) {
		p.ChangePercent24h = 0
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = c.clock.Now()
	}
	if p.SourceID == "" {
		p.SourceID = sourceID
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}
