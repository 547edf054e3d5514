package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// ErrNoData means the stream has not pushed a usable price for the symbol.
var ErrNoData = errors.New("no streamed price")

// StreamMessage is the upstream push format.
//
//	-> {"op":"subscribe","symbols":["BTC-PERP"]}
//	-> {"op":"unsubscribe","symbols":["BTC-PERP"]}
//	<- {"symbol":"BTC-PERP","price":64000.5,"change24h":1.2,"ts":1700000000000}
type StreamMessage struct {
	Op      string   `json:"op,omitempty"`
	Symbols []string `json:"symbols,omitempty"`

	Symbol    string  `json:"symbol,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Change24h float64 `json:"change24h,omitempty"`
	TS        int64   `json:"ts,omitempty"`
}

// Stream keeps a websocket open to a push feed and serves Fetch from the
// latest message per symbol. Run owns the connection and reconnects with
// exponential backoff.
type Stream struct {
	id     string
	url    string
	maxAge time.Duration
	clock  util.Clock
	log    *zap.SugaredLogger

	mu     sync.RWMutex
	latest map[string]marketdata.AssetPrice
	seenAt map[string]time.Time
	wanted map[string]struct{}

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewStream returns a stream source. Prices older than maxAge are not served.
func NewStream(log *zap.SugaredLogger, id, url string, maxAge time.Duration, clock util.Clock) *Stream {
	if clock == nil {
		clock = util.RealClock{}
	}
	if maxAge <= 0 {
		maxAge = 15 * time.Second
	}
	return &Stream{
		id:           id,
		url:          url,
		maxAge:       maxAge,
		clock:        clock,
		log:          util.OrNop(log),
		latest:       make(map[string]marketdata.AssetPrice),
		seenAt:       make(map[string]time.Time),
		wanted:       make(map[string]struct{}),
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

func (s *Stream) ID() string { return s.id }

// Fetch returns the newest pushed price. The first Fetch for a symbol
// subscribes it upstream and fails with ErrNoData until a message arrives.
func (s *Stream) Fetch(ctx context.Context, symbol string) (marketdata.AssetPrice, error) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	_, known := s.wanted[symbol]
	s.wanted[symbol] = struct{}{}
	p, ok := s.latest[symbol]
	seen := s.seenAt[symbol]
	s.mu.Unlock()

	if !known {
		if err := s.send(StreamMessage{Op: "subscribe", Symbols: []string{symbol}}); err != nil {
			s.log.Debugw("stream_subscribe_deferred", "source", s.id, "symbol", symbol, "err", err)
		}
	}
	if !ok {
		return marketdata.AssetPrice{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	if age := s.clock.Now().Sub(seen); age > s.maxAge {
		return marketdata.AssetPrice{}, fmt.Errorf("%w for %s: last message %s ago", ErrNoData, symbol, age.Round(time.Millisecond))
	}
	return p, nil
}

// Release stops streaming symbols nobody polls any more. They are dropped
// from the resubscribe set and their cached prices are forgotten.
func (s *Stream) Release(symbols []string) {
	var gone []string
	s.mu.Lock()
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, ok := s.wanted[sym]; !ok {
			continue
		}
		delete(s.wanted, sym)
		delete(s.latest, sym)
		delete(s.seenAt, sym)
		gone = append(gone, sym)
	}
	s.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	sort.Strings(gone)
	if err := s.send(StreamMessage{Op: "unsubscribe", Symbols: gone}); err != nil {
		s.log.Debugw("stream_unsubscribe_deferred", "source", s.id, "symbols", gone, "err", err)
	}
	s.log.Infow("stream_symbols_released", "source", s.id, "symbols", gone)
}

// Run connects and reads until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	retry := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.connect(ctx)
		if err != nil {
			delay := Backoff(retry)
			s.log.Warnw("stream_connect_failed", "source", s.id, "err", err, "retry", retry, "delay", delay)
			retry++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		retry = 0
		s.log.Infow("stream_connected", "source", s.id, "url", s.url)
		s.readLoop(ctx, conn)
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if symbols := s.wantedSymbols(); len(symbols) > 0 {
		if err := s.send(StreamMessage{Op: "subscribe", Symbols: symbols}); err != nil {
			s.drop(conn)
			return nil, fmt.Errorf("resubscribe: %w", err)
		}
	}
	return conn, nil
}

func (s *Stream) wantedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.wanted))
	for sym := range s.wanted {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.drop(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	if s.PingInterval > 0 {
		go s.pingLoop(conn, done)
	}

	for {
		if s.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warnw("stream_read_failed", "source", s.id, "err", err)
			}
			return
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debugw("stream_bad_message", "source", s.id, "err", err)
		return
	}
	if msg.Symbol == "" || msg.Op != "" {
		return
	}
	sym := strings.ToUpper(msg.Symbol)
	p := marketdata.AssetPrice{
		Symbol:           sym,
		Price:            msg.Price,
		ChangePercent24h: msg.Change24h,
		SourceID:         s.id,
	}
	if msg.TS > 0 {
		p.Timestamp = time.UnixMilli(msg.TS).UTC()
	} else {
		p.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[sym]; ok && !p.Timestamp.After(cur.Timestamp) {
		return
	}
	s.latest[sym] = p
	s.seenAt[sym] = s.clock.Now()
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) send(msg StreamMessage) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	conn.Close()
}
