// Package devnet is a local settlement service: a pebble-backed margin
// ledger that verifies and books tickets the way the settlement contract
// would. It also serves account snapshots to the risk validator.
package devnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
	"github.com/uhyunpark/hyperdesk/pkg/storage"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// Ledger implements settlement.Settler and core.AccountSource.
type Ledger struct {
	log     *zap.SugaredLogger
	store   *storage.PebbleStore
	eip     *crypto.EIP712Signer
	chainID int64
	clock   util.Clock

	mu sync.Mutex // serializes read-modify-write of accounts
}

func NewLedger(log *zap.SugaredLogger, store *storage.PebbleStore, eip *crypto.EIP712Signer, clock util.Clock) *Ledger {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Ledger{
		log:     util.OrNop(log),
		store:   store,
		eip:     eip,
		chainID: eip.Domain().ChainID.Int64(),
		clock:   clock,
	}
}

// Deposit credits collateral to an account, creating it if needed.
func (l *Ledger) Deposit(addr common.Address, amount decimal.Decimal) (*storage.AccountRecord, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.loadOrNew(addr)
	if err != nil {
		return nil, err
	}
	acc.Balance = acc.Balance.Add(amount)
	acc.UpdatedAt = l.clock.Now()
	if err := l.store.SaveAccount(acc); err != nil {
		return nil, err
	}
	l.log.Infow("devnet_deposit", "address", addr.Hex(), "amount", amount.String(), "balance", acc.Balance.String())
	return acc, nil
}

// Snapshot implements core.AccountSource. Unknown addresses read as empty
// accounts on this chain.
func (l *Ledger) Snapshot(ctx context.Context, addr common.Address) (core.AccountState, error) {
	if err := ctx.Err(); err != nil {
		return core.AccountState{}, err
	}
	l.mu.Lock()
	acc, err := l.loadOrNew(addr)
	l.mu.Unlock()
	if err != nil {
		return core.AccountState{}, err
	}
	return core.AccountState{
		Address:    addr,
		Balance:    acc.Balance.InexactFloat64(),
		UsedMargin: acc.UsedMargin.InexactFloat64(),
		FreeMargin: acc.FreeMargin().InexactFloat64(),
		ChainID:    l.chainID,
		UpdatedAt:  acc.UpdatedAt,
	}, nil
}

// SubmitBatch books each ticket independently, in window order. A ticket
// that was already settled returns its recorded outcome flagged Duplicate.
func (l *Ledger) SubmitBatch(ctx context.Context, w settlement.Window) (settlement.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return settlement.BatchResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	res := settlement.BatchResult{
		WindowID:  w.WindowID,
		PerTicket: true,
		Accepted:  true,
		Outcomes:  make(map[string]settlement.Outcome, len(w.Tickets)),
	}
	summary := &storage.WindowRecord{WindowID: w.WindowID, Tickets: w.TicketIDs(), At: l.clock.Now()}

	for _, t := range w.Tickets {
		out, err := l.settleOne(w.WindowID, t)
		if err != nil {
			// storage failure: report nothing for this ticket so the queue retries it
			l.log.Errorw("devnet_settle_failed", "ticket", t.TicketID, "err", err)
			continue
		}
		res.Outcomes[t.TicketID] = out
		switch {
		case out.Duplicate:
			summary.Duplicate++
		case out.Status == core.StatusConfirmed:
			summary.Confirmed++
		default:
			summary.Rejected++
		}
	}

	if err := l.store.SaveWindow(summary); err != nil {
		l.log.Warnw("devnet_window_record_failed", "window", w.WindowID, "err", err)
	}
	l.log.Infow("devnet_window_booked", "window", w.WindowID, "confirmed", summary.Confirmed,
		"rejected", summary.Rejected, "duplicate", summary.Duplicate)
	return res, nil
}

func (l *Ledger) settleOne(windowID string, t core.OrderTicket) (settlement.Outcome, error) {
	prev, err := l.store.LoadSettlement(t.TicketID)
	if err != nil {
		return settlement.Outcome{}, err
	}
	if prev != nil {
		out := settlement.Outcome{Status: core.StatusRejected, Reason: prev.Reason, TxHash: prev.TxHash, Duplicate: true}
		if prev.Confirmed {
			out.Status = core.StatusConfirmed
		}
		return out, nil
	}

	rec := &storage.SettlementRecord{TicketID: t.TicketID, WindowID: windowID, SettledAt: l.clock.Now()}
	acc, reason := l.check(t)
	if reason != "" {
		rec.Reason = reason
		if err := l.store.CommitSettlement(rec, nil); err != nil {
			return settlement.Outcome{}, err
		}
		return settlement.Outcome{Status: core.StatusRejected, Reason: reason}, nil
	}

	margin := t.Margin()
	acc.UsedMargin = acc.UsedMargin.Add(margin)
	if acc.Positions == nil {
		acc.Positions = make(map[string]*storage.PositionRecord)
	}
	pos, ok := acc.Positions[t.Market]
	if !ok {
		pos = &storage.PositionRecord{Market: t.Market}
		acc.Positions[t.Market] = pos
	}
	if t.Side == core.Buy {
		pos.Size = pos.Size.Add(t.Size)
	} else {
		pos.Size = pos.Size.Sub(t.Size)
	}
	pos.Margin = pos.Margin.Add(margin)
	acc.UpdatedAt = rec.SettledAt

	rec.Confirmed = true
	rec.TxHash = ethcrypto.Keccak256Hash([]byte(windowID), []byte(t.TicketID)).Hex()
	if err := l.store.CommitSettlement(rec, acc); err != nil {
		return settlement.Outcome{}, err
	}
	return settlement.Outcome{Status: core.StatusConfirmed, TxHash: rec.TxHash}, nil
}

// check returns the account to debit, or a rejection reason.
func (l *Ledger) check(t core.OrderTicket) (*storage.AccountRecord, string) {
	ok, err := l.eip.VerifyTicketSignature(t.EIP712(), t.Signature)
	if err != nil || !ok {
		return nil, "invalid signature"
	}
	acc, err := l.loadOrNew(t.UserAddress)
	if err != nil {
		return nil, "account unavailable"
	}
	if acc.FreeMargin().LessThan(t.Margin()) {
		return nil, fmt.Sprintf("insufficient margin: need %s, free %s", t.Margin().StringFixed(2), acc.FreeMargin().StringFixed(2))
	}
	return acc, ""
}

func (l *Ledger) loadOrNew(addr common.Address) (*storage.AccountRecord, error) {
	acc, err := l.store.LoadAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = storage.NewAccount(addr)
	}
	return acc, nil
}

var (
	_ settlement.Settler = (*Ledger)(nil)
	_ core.AccountSource = (*Ledger)(nil)
)
