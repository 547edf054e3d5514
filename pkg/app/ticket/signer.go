package ticket

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperdesk/pkg/crypto"
)

// ErrRejected is returned by a Signer when the user declines.
var ErrRejected = errors.New("user rejected the signature request")

// SigningRequest is what a wallet is asked to sign. Digest is the EIP-712
// hash of Ticket; TypedData is the eth_signTypedData_v4 payload for
// wallets that hash themselves.
type SigningRequest struct {
	Ticket    *crypto.TicketEIP712
	Digest    []byte
	TypedData string
}

// Signer is the external signing capability. Sign may be slow and
// user-interactive; it must honour ctx.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, req SigningRequest) ([]byte, error)
}

// LocalSigner signs with an in-process key. Used by the CLI, devnet and tests.
type LocalSigner struct {
	key *crypto.Signer
}

func NewLocalSigner(key *crypto.Signer) *LocalSigner {
	return &LocalSigner{key: key}
}

func (s *LocalSigner) Address() common.Address { return s.key.Address() }

func (s *LocalSigner) Sign(ctx context.Context, req SigningRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Ticket != nil && req.Ticket.Owner != s.key.Address() {
		return nil, fmt.Errorf("ticket owner %s is not this key (%s)", req.Ticket.Owner.Hex(), s.key.Address().Hex())
	}
	return s.key.Sign(req.Digest)
}
