package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperdesk/params"
	"github.com/uhyunpark/hyperdesk/pkg/api"
	"github.com/uhyunpark/hyperdesk/pkg/app/core/market"
	"github.com/uhyunpark/hyperdesk/pkg/app/desk"
	"github.com/uhyunpark/hyperdesk/pkg/app/risk"
	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/app/settlement/devnet"
	"github.com/uhyunpark/hyperdesk/pkg/app/ticket"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata/provider"
	"github.com/uhyunpark/hyperdesk/pkg/metrics"
	"github.com/uhyunpark/hyperdesk/pkg/p2p"
	"github.com/uhyunpark/hyperdesk/pkg/storage"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

func main() {
	// Load config from .env file, CONFIG_FILE and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Settlement.DataDir, "desk.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("desk_stopped", "err", err)
	}
	sugar.Info("desk_shutdown_complete")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	m := metrics.New()
	clock := util.RealClock{}

	// ---- Markets ----
	registry := market.NewRegistry()
	iconOverrides := make(map[string]string)
	symbols := make([]string, 0, len(cfg.Markets))
	for _, spec := range cfg.Markets {
		mkt, err := market.NewMarket(spec.Symbol, spec.Quote, market.Params{
			MaxLeverage: spec.MaxLeverage,
			MinNotional: spec.MinNotional,
			IconURI:     spec.Icon,
		})
		if err != nil {
			return err
		}
		if err := registry.Register(mkt); err != nil {
			return err
		}
		if spec.Icon != "" {
			iconOverrides[mkt.Symbol] = spec.Icon
		}
		symbols = append(symbols, mkt.Symbol)
	}

	// ---- Market data ----
	g, ctx := errgroup.WithContext(ctx)
	chain, err := buildChain(ctx, g, cfg, log, m, clock)
	if err != nil {
		return err
	}
	hub := marketdata.NewHub(log, marketdata.HubConfig{
		RefreshInterval: cfg.Hub.RefreshInterval,
		StaleAfter:      cfg.Hub.StaleAfter,
		MaxConcurrent:   cfg.Hub.MaxConcurrent,
	}, chain, marketdata.NewIcons(iconOverrides), clock, m)

	// Listed markets stay subscribed so market orders can always be sized.
	listed := hub.Subscribe(symbols, func(q marketdata.Quote) {
		if q.Stale {
			log.Warnw("listed_market_price_stale", "symbol", q.Symbol, "loaded", q.Loaded)
		}
	})
	defer listed.Close()

	// ---- Settlement ----
	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(cfg.Risk.ChainID)
	eip := crypto.NewEIP712Signer(domain)

	store, err := storage.NewPebbleStore(filepath.Join(cfg.Settlement.DataDir, "ledger"))
	if err != nil {
		return err
	}
	defer store.Close()
	ledger := devnet.NewLedger(log, store, eip, clock)
	if err := seedDeposits(store, ledger, cfg.Deposits, log); err != nil {
		return err
	}

	settler, closeSettler, err := buildSettler(ctx, cfg, ledger, log)
	if err != nil {
		return err
	}
	defer closeSettler()

	queue := settlement.NewQueue(log, settlement.Config{
		Interval:          cfg.Settlement.Interval,
		SubmitTimeout:     cfg.Settlement.SubmitTimeout,
		MaxAttempts:       cfg.Settlement.MaxAttempts,
		MaxTicketAge:      cfg.Settlement.MaxTicketAge,
		LimitStalenessPct: cfg.Settlement.LimitStalenessPct,
		MaxWindowSize:     cfg.Settlement.MaxWindowSize,
	}, settler, hub, clock, m)

	// ---- Admission ----
	limits := risk.Limits{
		MinTradeNotional:         cfg.Risk.MinTradeNotional,
		MarginUtilizationWarnPct: cfg.Risk.MarginUtilizationWarnPct,
		ExpectedChainID:          cfg.Risk.ChainID,
	}
	builder := ticket.NewBuilder(log, eip, clock, ticket.Config{SignTimeout: cfg.Signing.Timeout})
	d := desk.New(log, ledger, risk.NewValidator(limits, registry), hub, builder, queue)

	var signers []ticket.Signer
	if cfg.Signing.PrivateKey != "" {
		key, err := crypto.FromPrivateKeyHex(cfg.Signing.PrivateKey)
		if err != nil {
			return fmt.Errorf("DESK_PRIVATE_KEY: %w", err)
		}
		signers = append(signers, ticket.NewLocalSigner(key))
		log.Infow("server_signer_loaded", "address", key.Address().Hex())
	}

	srv := api.NewServer(log, api.Config{AllowedOrigins: cfg.API.AllowedOrigins, Signers: signers}, d, registry, hub, queue, m)
	defer srv.Close()

	log.Infow("desk_starting",
		"markets", len(symbols),
		"providers", chain.SourceIDs(),
		"settlement_mode", cfg.Settlement.Mode,
		"chain_id", cfg.Risk.ChainID,
		"listen", cfg.API.ListenAddr)

	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { queue.Run(ctx); return nil })
	g.Go(func() error { return srv.Start(ctx, cfg.API.ListenAddr) })
	return g.Wait()
}

// buildChain creates the sources in configured fallback order. Stream
// sources get their connection loop started on g.
func buildChain(ctx context.Context, g *errgroup.Group, cfg params.Config, log *zap.SugaredLogger, m *metrics.Metrics, clock util.Clock) (*marketdata.Chain, error) {
	var sources []*marketdata.Source
	for _, spec := range cfg.Providers {
		var p marketdata.Provider
		switch spec.Kind {
		case "rest":
			p = provider.NewREST(spec.ID, spec.URL, provider.Format(spec.Format))
		case "stream":
			s := provider.NewStream(log, spec.ID, spec.URL, spec.MaxAge, clock)
			g.Go(func() error { s.Run(ctx); return nil })
			p = s
		case "chainlink":
			c, err := provider.DialChainlink(ctx, spec.ID, spec.URL, spec.Feeds)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", spec.ID, err)
			}
			p = c
		case "static":
			s := provider.NewStatic(spec.ID, clock)
			for sym, price := range spec.Prices {
				s.Set(sym, price, 0)
			}
			p = s
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", spec.ID, spec.Kind)
		}
		sources = append(sources, marketdata.NewSource(p, marketdata.SourceOptions{
			RPS:     spec.RPS,
			Burst:   spec.Burst,
			Timeout: spec.Timeout,
		}))
	}
	return marketdata.NewChain(log, m, clock, sources...), nil
}

// buildSettler returns the ledger itself on devnet, or a libp2p relay.
// A devnet node with a BLS seed also answers relayed windows.
func buildSettler(ctx context.Context, cfg params.Config, ledger *devnet.Ledger, log *zap.SugaredLogger) (settlement.Settler, func(), error) {
	netCfg := p2p.Libp2pConfig{ListenAddr: cfg.P2P.ListenAddr, Bootstrap: cfg.P2P.Bootstrap, Logger: log}

	switch cfg.Settlement.Mode {
	case "relay":
		committee := make([][]byte, 0, len(cfg.P2P.Committee))
		for _, k := range cfg.P2P.Committee {
			b, err := hex.DecodeString(strings.TrimPrefix(k, "0x"))
			if err != nil {
				return nil, nil, fmt.Errorf("committee key %q: %w", k, err)
			}
			committee = append(committee, b)
		}
		relay, err := p2p.NewRelay(ctx, p2p.RelayConfig{Libp2pConfig: netCfg, Committee: committee, ReceiptTimeout: cfg.Settlement.SubmitTimeout})
		if err != nil {
			return nil, nil, err
		}
		return relay, func() { relay.Close() }, nil

	default:
		if cfg.P2P.BLSSeed == "" {
			return ledger, func() {}, nil
		}
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.P2P.BLSSeed, "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("P2P_BLS_SEED: %w", err)
		}
		key, err := crypto.NewBLSSignerFromSeed(seed)
		if err != nil {
			return nil, nil, err
		}
		resp, err := p2p.NewResponder(ctx, netCfg, ledger, key)
		if err != nil {
			return nil, nil, err
		}
		log.Infow("settlement_responder_ready", "bls_pubkey", hex.EncodeToString(key.PubkeyBytes()))
		return ledger, func() { resp.Close() }, nil
	}
}

// seedDeposits funds configured accounts that do not exist yet, so a
// restart does not credit them twice.
func seedDeposits(store *storage.PebbleStore, ledger *devnet.Ledger, deposits map[string]float64, log *zap.SugaredLogger) error {
	for raw, amount := range deposits {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("deposit address %q is not a hex address", raw)
		}
		addr := common.HexToAddress(raw)
		acc, err := store.LoadAccount(addr)
		if err != nil {
			return err
		}
		if acc != nil {
			continue
		}
		if _, err := ledger.Deposit(addr, decimal.NewFromFloat(amount)); err != nil {
			return err
		}
	}
	if len(deposits) > 0 {
		log.Infow("devnet_deposits_seeded", "accounts", len(deposits))
	}
	return nil
}
