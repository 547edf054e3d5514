package p2p

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

// Responder serves gossiped windows from a local Settler and publishes a
// BLS-attested receipt for each.
type Responder struct {
	log     *zap.SugaredLogger
	node    *node
	settler settlement.Settler
	key     *crypto.BLSSigner
}

func NewResponder(ctx context.Context, cfg Libp2pConfig, settler settlement.Settler, key *crypto.BLSSigner) (*Responder, error) {
	n, err := newNode(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sub, err := n.tWindow.Subscribe()
	if err != nil {
		n.Close()
		return nil, err
	}
	r := &Responder{log: util.OrNop(cfg.Logger), node: n, settler: settler, key: key}
	go n.consume(ctx, sub, func(data []byte) {
		receipt, err := r.handleWindow(ctx, data)
		if err != nil {
			r.log.Warnw("responder_window_failed", "err", err)
			return
		}
		if err := n.tReceipt.Publish(ctx, receipt); err != nil {
			r.log.Warnw("responder_publish_failed", "err", err)
		}
	})
	return r, nil
}

// handleWindow settles one encoded window and returns the signed receipt.
func (r *Responder) handleWindow(ctx context.Context, data []byte) ([]byte, error) {
	w, err := decodeWindow(data)
	if err != nil {
		return nil, err
	}
	res, err := r.settler.SubmitBatch(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("settle window %s: %w", w.WindowID, err)
	}
	res.WindowID = w.WindowID
	r.log.Infow("responder_window_settled", "window", w.WindowID, "tickets", len(w.Tickets), "per_ticket", res.PerTicket)
	return signReceipt(r.key, res)
}

func (r *Responder) Close() error {
	if r.node == nil {
		return nil
	}
	return r.node.Close()
}
