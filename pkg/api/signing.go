package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/hyperdesk/pkg/app/ticket"
)

var (
	errNoWallet       = errors.New("no wallet connected on the signing channel")
	errUnknownRequest = errors.New("unknown or expired sign request")
)

// SignBridge turns a wallet connected over WebSocket into a ticket.Signer.
// Sign pushes a sign_request to signing:<address> and blocks until the
// wallet answers through Resolve or the builder's timeout cancels ctx.
type SignBridge struct {
	ws *Hub

	mu      sync.Mutex
	pending map[string]chan SignatureSubmission
}

func NewSignBridge(ws *Hub) *SignBridge {
	return &SignBridge{ws: ws, pending: make(map[string]chan SignatureSubmission)}
}

// For returns a signer acting for addr.
func (b *SignBridge) For(addr common.Address) ticket.Signer {
	return &bridgeSigner{bridge: b, addr: addr}
}

// Resolve delivers the wallet's answer to request id.
func (b *SignBridge) Resolve(id string, sub SignatureSubmission) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return errUnknownRequest
	}
	ch <- sub
	return nil
}

func (b *SignBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func signingChannel(addr common.Address) string {
	return signingPrefix + strings.ToLower(addr.Hex())
}

type bridgeSigner struct {
	bridge *SignBridge
	addr   common.Address
}

func (s *bridgeSigner) Address() common.Address { return s.addr }

func (s *bridgeSigner) Sign(ctx context.Context, req ticket.SigningRequest) ([]byte, error) {
	b := s.bridge
	channel := signingChannel(s.addr)
	if !b.ws.HasSubscribers(channel) {
		return nil, errNoWallet
	}

	id := uuid.NewString()
	ch := make(chan SignatureSubmission, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	msg := SignRequest{
		Type:      "sign_request",
		Channel:   channel,
		RequestID: id,
		Address:   s.addr.Hex(),
		Digest:    req.Digest,
	}
	if req.TypedData != "" {
		msg.TypedData = json.RawMessage(req.TypedData)
	}
	if dl, ok := ctx.Deadline(); ok {
		msg.ExpiresAt = dl.UnixMilli()
	}
	b.ws.BroadcastToChannel(channel, msg)

	select {
	case sub := <-ch:
		if sub.Rejected {
			return nil, ticket.ErrRejected
		}
		return sub.Signature, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
