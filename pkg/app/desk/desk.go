// Package desk is the command side the UI talks to: preview an intent,
// place it, cancel it, and read queue state.
package desk

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/app/risk"
	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/app/ticket"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// PriceSource is satisfied by *marketdata.Hub.
type PriceSource interface {
	Quote(symbol string) marketdata.Quote
}

// Preview is the unsigned outcome of an intent.
type Preview struct {
	Valid    bool            `json:"valid"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
	Warnings []core.Warning  `json:"warnings"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Margin   float64         `json:"margin"`
}

// Placement is a ticket that made it into the queue.
type Placement struct {
	Ticket   core.OrderTicket `json:"ticket"`
	Warnings []core.Warning   `json:"warnings"`
}

type Desk struct {
	log       *zap.SugaredLogger
	accounts  core.AccountSource
	validator *risk.Validator
	prices    PriceSource
	builder   *ticket.Builder
	queue     *settlement.Queue
}

func New(log *zap.SugaredLogger, accounts core.AccountSource, validator *risk.Validator, prices PriceSource, builder *ticket.Builder, queue *settlement.Queue) *Desk {
	return &Desk{
		log:       util.OrNop(log),
		accounts:  accounts,
		validator: validator,
		prices:    prices,
		builder:   builder,
		queue:     queue,
	}
}

// Preview validates intent for addr and sizes it at the current price. No
// signature is requested. A blocking risk failure is reported inside the
// Preview; the returned error is reserved for account lookup failures.
func (d *Desk) Preview(ctx context.Context, addr common.Address, intent core.OrderIntent) (Preview, error) {
	acct, err := d.accounts.Snapshot(ctx, addr)
	if err != nil {
		return Preview{}, fmt.Errorf("account snapshot: %w", err)
	}
	res := d.validator.Validate(acct, intent)
	p := Preview{Valid: res.IsValid, Warnings: nonNil(res.Warnings), Margin: intent.RequiredMargin()}
	if !res.IsValid {
		p.setError(res.BlockingError)
		return p, nil
	}

	price, err := d.currentPrice(intent)
	if err == nil {
		p.Size, p.Price, p.Notional, err = ticket.Sizing(intent, price)
	}
	if err != nil {
		p.Valid = false
		p.setError(err)
	}
	return p, nil
}

// Place runs the full admission path: account snapshot, risk checks,
// current price, signature, queue admission. Nothing is queued unless every
// step succeeds.
func (d *Desk) Place(ctx context.Context, intent core.OrderIntent, signer ticket.Signer) (Placement, error) {
	addr := signer.Address()
	acct, err := d.accounts.Snapshot(ctx, addr)
	if err != nil {
		return Placement{}, fmt.Errorf("account snapshot: %w", err)
	}
	res := d.validator.Validate(acct, intent)
	if !res.IsValid {
		d.log.Infow("desk_intent_blocked", "address", addr.Hex(), "market", intent.Market, "err", res.BlockingError)
		return Placement{}, res.BlockingError
	}

	price, err := d.currentPrice(intent)
	if err != nil {
		return Placement{}, err
	}
	t, err := d.builder.Build(ctx, intent, price, signer)
	if err != nil {
		return Placement{}, err
	}
	queued, err := d.queue.Admit(t)
	if err != nil {
		return Placement{}, fmt.Errorf("admit ticket %s: %w", t.TicketID, err)
	}

	d.log.Infow("desk_ticket_placed", "ticket", queued.TicketID, "address", addr.Hex(), "market", queued.Market,
		"side", queued.Side, "size", queued.Size.String(), "warnings", len(res.Warnings))
	return Placement{Ticket: queued, Warnings: nonNil(res.Warnings)}, nil
}

func (d *Desk) Cancel(id string) (core.OrderTicket, error) { return d.queue.Cancel(id) }

func (d *Desk) Ticket(id string) (core.OrderTicket, bool) { return d.queue.Ticket(id) }

func (d *Desk) QueueStatus() settlement.QueueStatus { return d.queue.Status() }

// currentPrice returns the price a market order is sized at. Limit orders
// carry their own price and never need one.
func (d *Desk) currentPrice(intent core.OrderIntent) (float64, error) {
	if intent.OrderType == core.Limit {
		return 0, nil
	}
	q := d.prices.Quote(intent.Market)
	switch {
	case !q.Loaded:
		return 0, &core.ValidationError{
			Code:   core.CodePriceUnavailable,
			Reason: fmt.Sprintf("no price loaded for %s", intent.Market),
			Cause:  core.ErrNoPrice,
		}
	case q.Stale:
		return 0, &core.ValidationError{
			Code:   core.CodePriceUnavailable,
			Reason: fmt.Sprintf("price for %s is stale", intent.Market),
			Cause:  errors.Join(core.ErrStalePrice, q.Err),
		}
	}
	return q.Price.Price, nil
}

func (p *Preview) setError(err error) {
	p.Error = err.Error()
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		p.Code = string(ve.Code)
	}
}

func nonNil(w []core.Warning) []core.Warning {
	if w == nil {
		return []core.Warning{}
	}
	return w
}
