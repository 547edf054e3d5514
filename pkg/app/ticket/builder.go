package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

type Config struct {
	// SignTimeout bounds how long a wallet may take. Signing is
	// user-interactive, so the default is generous.
	SignTimeout time.Duration
}

// Builder turns an intent into a signed ticket.
type Builder struct {
	log   *zap.SugaredLogger
	eip   *crypto.EIP712Signer
	clock util.Clock
	cfg   Config

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewBuilder(log *zap.SugaredLogger, eip *crypto.EIP712Signer, clock util.Clock, cfg Config) *Builder {
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = 2 * time.Minute
	}
	return &Builder{
		log:    util.OrNop(log),
		eip:    eip,
		clock:  clock,
		cfg:    cfg,
		nonces: make(map[common.Address]uint64),
	}
}

// nextNonce is strictly increasing per address. It starts from the clock in
// milliseconds so a restart never reuses a nonce.
func (b *Builder) nextNonce(addr common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nonces[addr] + 1
	if floor := uint64(b.clock.Now().UnixMilli()); n < floor {
		n = floor
	}
	b.nonces[addr] = n
	return n
}

// Sizing converts an intent into base-asset size, optional limit price and
// quote notional.
//
// Market orders: Amount is notional, size = notional / currentPrice.
// Limit orders: Amount is already size; currentPrice is ignored.
func Sizing(intent core.OrderIntent, currentPrice float64) (size, price, notional decimal.Decimal, err error) {
	amount := decimal.NewFromFloat(intent.Amount)
	switch intent.OrderType {
	case core.Limit:
		size = amount.Round(core.AmountDecimals)
		price = decimal.NewFromFloat(intent.LimitPrice).Round(core.AmountDecimals)
		notional = size.Mul(price)
	default:
		if currentPrice <= 0 {
			return size, price, notional, &core.ValidationError{
				Code:   core.CodePriceUnavailable,
				Reason: fmt.Sprintf("no current price for %s", intent.Market),
				Cause:  core.ErrNoPrice,
			}
		}
		notional = amount
		size = amount.DivRound(decimal.NewFromFloat(currentPrice), core.AmountDecimals)
	}
	if !size.IsPositive() {
		return size, price, notional, &core.ValidationError{
			Code:   core.CodeMalformed,
			Reason: "order size rounds to zero",
		}
	}
	return size, price, notional, nil
}

// Build sizes, serializes and signs. On any signer failure it returns a
// *core.SignatureError and no ticket.
func (b *Builder) Build(ctx context.Context, intent core.OrderIntent, currentPrice float64, signer Signer) (core.OrderTicket, error) {
	if err := intent.CheckShape(); err != nil {
		return core.OrderTicket{}, err
	}
	size, price, notional, err := Sizing(intent, currentPrice)
	if err != nil {
		return core.OrderTicket{}, err
	}

	// CheckShape already accepted it; this only canonicalizes case and the
	// empty default.
	marginMode, _ := core.ParseMarginMode(string(intent.MarginMode))
	owner := signer.Address()
	t := core.OrderTicket{
		UserAddress: owner,
		Market:      intent.Market,
		Side:        intent.Side,
		Size:        size,
		Price:       price,
		OrderType:   intent.OrderType,
		Leverage:    intent.Leverage,
		MarginMode:  marginMode,
		Notional:    notional,
		Nonce:       b.nextNonce(owner),
		CreatedAt:   b.clock.Now(),
		Status:      core.StatusCreated,
	}

	typed := t.EIP712()
	digest, err := b.eip.HashTicket(typed)
	if err != nil {
		return core.OrderTicket{}, fmt.Errorf("hash ticket: %w", err)
	}
	typedJSON, err := b.eip.TicketToJSON(typed)
	if err != nil {
		return core.OrderTicket{}, fmt.Errorf("render typed data: %w", err)
	}

	sig, err := b.requestSignature(ctx, signer, SigningRequest{Ticket: typed, Digest: digest, TypedData: typedJSON})
	if err != nil {
		b.log.Infow("ticket_signature_failed", "market", t.Market, "owner", owner.Hex(), "err", err)
		return core.OrderTicket{}, err
	}

	ok, err := b.eip.VerifyTicketSignature(typed, sig)
	if err != nil || !ok {
		return core.OrderTicket{}, &core.SignatureError{Reason: "signature does not match signer address", Err: err}
	}

	t.TicketID = uuid.NewString()
	t.Signature = sig
	t.Status = core.StatusSigned
	b.log.Infow("ticket_signed", "ticket", t.TicketID, "market", t.Market, "side", t.Side,
		"size", t.Size.String(), "type", t.OrderType, "nonce", t.Nonce)
	return t, nil
}

// requestSignature enforces the timeout even when the signer ignores ctx.
func (b *Builder) requestSignature(ctx context.Context, signer Signer, req SigningRequest) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, b.cfg.SignTimeout)
	defer cancel()

	type result struct {
		sig []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sig, err := signer.Sign(sctx, req)
		ch <- result{sig, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			if len(r.sig) != 65 {
				return nil, &core.SignatureError{Reason: fmt.Sprintf("invalid signature length %d", len(r.sig))}
			}
			return r.sig, nil
		}
		return nil, classifySignErr(r.err)
	case <-sctx.Done():
		return nil, classifySignErr(sctx.Err())
	}
}

func classifySignErr(err error) *core.SignatureError {
	switch {
	case errors.Is(err, ErrRejected):
		return &core.SignatureError{Reason: "rejected by user", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &core.SignatureError{Reason: "signing timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &core.SignatureError{Reason: "signing cancelled", Err: err}
	default:
		return &core.SignatureError{Reason: "signer unavailable", Err: err}
	}
}
