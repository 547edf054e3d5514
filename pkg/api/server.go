package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/app/core/market"
	"github.com/uhyunpark/hyperdesk/pkg/app/desk"
	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/app/ticket"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/metrics"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// MarketData is the read side of the price hub. *marketdata.Hub implements it.
type MarketData interface {
	Quote(symbol string) marketdata.Quote
	AssetIcon(symbol string) string
	Subscribe(symbols []string, onUpdate func(marketdata.Quote)) *marketdata.Subscription
}

// TicketEvents is implemented by *settlement.Queue.
type TicketEvents interface {
	Subscribe(fn func(settlement.Event)) *settlement.EventSubscription
}

type Config struct {
	AllowedOrigins []string
	// Signers are server-held keys, keyed by address. Orders for any
	// other address are signed by the wallet over WebSocket.
	Signers []ticket.Signer
}

// Server handles REST API and WebSocket connections
type Server struct {
	log     *zap.SugaredLogger
	cfg     Config
	desk    *desk.Desk
	markets *market.Registry
	md      MarketData
	metrics *metrics.Metrics

	router *mux.Router
	ws     *Hub
	bridge *SignBridge
	local  map[common.Address]ticket.Signer

	tickets *settlement.EventSubscription

	mu        sync.Mutex
	priceSubs map[string]*marketdata.Subscription // per prices:<SYM> channel
}

// NewServer creates a new API server
func NewServer(log *zap.SugaredLogger, cfg Config, d *desk.Desk, markets *market.Registry, md MarketData, events TicketEvents, m *metrics.Metrics) *Server {
	s := &Server{
		log:       util.OrNop(log),
		cfg:       cfg,
		desk:      d,
		markets:   markets,
		md:        md,
		metrics:   m,
		router:    mux.NewRouter(),
		local:     make(map[common.Address]ticket.Signer),
		priceSubs: make(map[string]*marketdata.Subscription),
	}
	for _, sg := range cfg.Signers {
		s.local[sg.Address()] = sg
	}
	s.ws = NewHub(s.log, s.channelActive, s.channelIdle)
	s.bridge = NewSignBridge(s.ws)
	if events != nil {
		s.tickets = events.Subscribe(s.broadcastTicket)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market data
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/prices/{symbol}", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/assets/{symbol}/icon", s.handleGetIcon).Methods("GET")

	// Orders
	api.HandleFunc("/orders/preview", s.handlePreviewOrder).Methods("POST")
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/queue", s.handleGetQueue).Methods("GET")

	// Wallet answers to sign_request pushes
	api.HandleFunc("/sign-requests/{id}", s.handleSignatureSubmission).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the hub and queue subscriptions held for WebSocket channels
func (s *Server) Close() {
	if s.tickets != nil {
		s.tickets.Close()
	}
	s.mu.Lock()
	subs := s.priceSubs
	s.priceSubs = make(map[string]*marketdata.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		icon := m.IconURI
		if icon == "" {
			icon = s.md.AssetIcon(m.Symbol)
		}
		response[i] = MarketInfo{
			Symbol:      m.Symbol,
			BaseAsset:   m.BaseAsset,
			QuoteAsset:  m.QuoteAsset,
			Status:      m.Status.String(),
			MaxLeverage: m.MaxLeverage,
			MinNotional: m.MinNotional,
			IconURI:     icon,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	q := s.md.Quote(symbol)
	if !q.Loaded {
		msg := ""
		if q.Err != nil {
			msg = q.Err.Error()
		}
		respondError(w, http.StatusNotFound, "price not loaded", string(core.CodePriceUnavailable), msg)
		return
	}
	respondJSON(w, priceInfo(q))
}

func (s *Server) handleGetIcon(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	respondJSON(w, IconInfo{Symbol: symbol, URI: s.md.AssetIcon(symbol)})
}

func (s *Server) handlePreviewOrder(w http.ResponseWriter, r *http.Request) {
	req, addr, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}
	p, err := s.desk.Preview(r.Context(), addr, req.OrderIntent)
	if err != nil {
		respondError(w, http.StatusBadGateway, "account unavailable", "", err.Error())
		return
	}
	respondJSON(w, p)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	req, addr, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}
	signer, found := s.local[addr]
	if !found {
		signer = s.bridge.For(addr)
	}

	p, err := s.desk.Place(r.Context(), req.OrderIntent, signer)
	if err != nil {
		s.respondPlaceError(w, err)
		return
	}
	respondJSON(w, p)
}

func (s *Server) respondPlaceError(w http.ResponseWriter, err error) {
	var (
		ve *core.ValidationError
		se *core.SignatureError
	)
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusUnprocessableEntity, ve.Reason, string(ve.Code), "")
	case errors.As(err, &se):
		respondError(w, http.StatusConflict, se.Error(), "signature_failed", se.Reason)
	default:
		s.log.Errorw("api_place_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "order not placed", "", err.Error())
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.desk.Ticket(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "ticket not found", "", "")
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	t, err := s.desk.Cancel(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, core.ErrTicketNotFound):
		respondError(w, http.StatusNotFound, "ticket not found", "", "")
	case errors.Is(err, core.ErrNotCancellable):
		respondError(w, http.StatusConflict, "ticket can no longer be cancelled", "not_cancellable", err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "cancel failed", "", err.Error())
	default:
		respondJSON(w, t)
	}
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.desk.QueueStatus())
}

func (s *Server) handleSignatureSubmission(w http.ResponseWriter, r *http.Request) {
	var sub SignatureSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "", err.Error())
		return
	}
	if !sub.Rejected && len(sub.Signature) == 0 {
		respondError(w, http.StatusBadRequest, "missing signature", "", "")
		return
	}
	if err := s.bridge.Resolve(mux.Vars(r)["id"], sub); err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "", "")
		return
	}
	respondJSON(w, map[string]string{"status": "received"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":    "ok",
		"wsClients": s.ws.ClientCount(),
	})
}

// ==============================
// WebSocket channel plumbing
// ==============================

// channelActive and channelIdle keep one hub subscription per
// prices:<SYM> channel. The hooks may run late and out of order, so both
// reconcile against the channel's current subscriber count instead of
// trusting the transition that fired them.
func (s *Server) channelActive(channel string) { s.reconcilePrices(channel) }

func (s *Server) channelIdle(channel string) { s.reconcilePrices(channel) }

func (s *Server) reconcilePrices(channel string) {
	symbol, ok := strings.CutPrefix(channel, pricesPrefix)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, have := s.priceSubs[channel]
	switch want := s.ws.HasSubscribers(channel); {
	case want && !have:
		s.priceSubs[channel] = s.md.Subscribe([]string{symbol}, func(q marketdata.Quote) {
			s.ws.BroadcastToChannel(channel, PriceUpdate{Type: "price", Channel: channel, PriceInfo: priceInfo(q)})
		})
	case !want && have:
		delete(s.priceSubs, channel)
		sub.Close()
	}
}

func (s *Server) broadcastTicket(ev settlement.Event) {
	u := TicketUpdate{Type: "ticket", Channel: ticketsChannel, Ticket: ev.Ticket, At: unixMilli(ev.At)}
	if ev.Err != nil {
		u.Error = ev.Err.Error()
	}
	s.ws.BroadcastToChannel(ticketsChannel, u)
}

// ==============================
// Helper Functions
// ==============================

func decodeOrderRequest(w http.ResponseWriter, r *http.Request) (OrderRequest, common.Address, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", string(core.CodeMalformed), err.Error())
		return req, common.Address{}, false
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", string(core.CodeMalformed), "")
		return req, common.Address{}, false
	}
	req.Market = strings.ToUpper(strings.TrimSpace(req.Market))
	return req, common.HexToAddress(req.Address), true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Code:    code,
		Message: message,
	})
}
