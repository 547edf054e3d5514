package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

const defaultReceiptTimeout = 20 * time.Second

type RelayConfig struct {
	Libp2pConfig
	// Committee lists the compressed BLS keys whose receipts are accepted.
	Committee      [][]byte
	ReceiptTimeout time.Duration
}

// Relay is a settlement.Settler that gossips windows to a settlement
// committee and returns the first attested receipt for each window.
type Relay struct {
	log     *zap.SugaredLogger
	node    *node
	trusted map[string]*crypto.BLSPubKey
	timeout time.Duration
	publish func(ctx context.Context, data []byte) error

	mu      sync.Mutex
	waiters map[string]chan settlement.BatchResult
}

func NewRelay(ctx context.Context, cfg RelayConfig) (*Relay, error) {
	trusted, err := parseCommittee(cfg.Committee)
	if err != nil {
		return nil, err
	}
	n, err := newNode(ctx, cfg.Libp2pConfig)
	if err != nil {
		return nil, err
	}
	sub, err := n.tReceipt.Subscribe()
	if err != nil {
		n.Close()
		return nil, err
	}
	r := newRelay(cfg.Logger, trusted, cfg.ReceiptTimeout, func(ctx context.Context, data []byte) error {
		return n.tWindow.Publish(ctx, data)
	})
	r.node = n
	go n.consume(ctx, sub, r.handleReceipt)
	return r, nil
}

func newRelay(log *zap.SugaredLogger, trusted map[string]*crypto.BLSPubKey, timeout time.Duration, publish func(context.Context, []byte) error) *Relay {
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	return &Relay{
		log:     util.OrNop(log),
		trusted: trusted,
		timeout: timeout,
		publish: publish,
		waiters: make(map[string]chan settlement.BatchResult),
	}
}

func parseCommittee(keys [][]byte) (map[string]*crypto.BLSPubKey, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("relay needs at least one committee key")
	}
	out := make(map[string]*crypto.BLSPubKey, len(keys))
	for i, b := range keys {
		pk, err := crypto.ParseBLSPubKey(b)
		if err != nil {
			return nil, fmt.Errorf("committee key %d: %w", i, err)
		}
		out[string(b)] = pk
	}
	return out, nil
}

// SubmitBatch implements settlement.Settler.
func (r *Relay) SubmitBatch(ctx context.Context, w settlement.Window) (settlement.BatchResult, error) {
	data, err := encodeWindow(w)
	if err != nil {
		return settlement.BatchResult{}, err
	}

	ch := make(chan settlement.BatchResult, 1)
	r.mu.Lock()
	r.waiters[w.WindowID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, w.WindowID)
		r.mu.Unlock()
	}()

	if err := r.publish(ctx, data); err != nil {
		return settlement.BatchResult{}, fmt.Errorf("publish window %s: %w", w.WindowID, err)
	}
	r.log.Debugw("relay_window_published", "window", w.WindowID, "tickets", len(w.Tickets))

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return settlement.BatchResult{}, fmt.Errorf("no receipt for window %s within %s", w.WindowID, r.timeout)
	case <-ctx.Done():
		return settlement.BatchResult{}, ctx.Err()
	}
}

func (r *Relay) handleReceipt(data []byte) {
	res, err := openReceipt(data, r.trusted)
	if err != nil {
		r.log.Warnw("relay_receipt_dropped", "err", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.waiters[res.WindowID]
	r.mu.Unlock()
	if !ok {
		return // late or foreign
	}
	select {
	case ch <- res:
	default: // another committee member answered first
	}
}

func (r *Relay) Close() error {
	if r.node == nil {
		return nil
	}
	return r.node.Close()
}

var _ settlement.Settler = (*Relay)(nil)
