package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// ChainID binds every ticket to one network.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain tickets
}

// DefaultDomain returns the local devnet domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HyperDesk",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// TicketEIP712 is the typed-data form of an order ticket, the exact
// structure a wallet displays and signs.
type TicketEIP712 struct {
	Market string         // "BTC-PERP"
	Side   uint8          // 1 = buy, 2 = sell
	Size   *big.Int       // base units, fixed point 1e8
	Price  *big.Int       // quote units, fixed point 1e8, 0 for market orders
	Type   uint8          // 1 = market, 2 = limit
	Owner  common.Address // signer
	Nonce  *big.Int
}

var ticketTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Ticket": []apitypes.Type{
		{Name: "market", Type: "string"},
		{Name: "side", Type: "uint8"},
		{Name: "size", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "type", Type: "uint8"},
		{Name: "owner", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// EIP712Signer hashes, signs and verifies tickets under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(t *TicketEIP712) (apitypes.TypedData, error) {
	if t.Size == nil || t.Price == nil || t.Nonce == nil {
		return apitypes.TypedData{}, fmt.Errorf("ticket has nil numeric field")
	}
	return apitypes.TypedData{
		Types:       ticketTypes,
		PrimaryType: "Ticket",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"market": t.Market,
			"side":   fmt.Sprintf("%d", t.Side),
			"size":   t.Size.String(),
			"price":  t.Price.String(),
			"type":   fmt.Sprintf("%d", t.Type),
			"owner":  t.Owner.Hex(),
			"nonce":  t.Nonce.String(),
		},
	}, nil
}

// HashTicket returns the 32-byte EIP-712 digest of t.
func (e *EIP712Signer) HashTicket(t *TicketEIP712) ([]byte, error) {
	td, err := e.typedData(t)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash ticket: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || structHash)
	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// SignTicket signs t with a local key.
func (e *EIP712Signer) SignTicket(signer *Signer, t *TicketEIP712) ([]byte, error) {
	hash, err := e.HashTicket(t)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign ticket: %w", err)
	}
	return sig, nil
}

// VerifyTicketSignature reports whether signature was produced by t.Owner.
func (e *EIP712Signer) VerifyTicketSignature(t *TicketEIP712, signature []byte) (bool, error) {
	addr, err := e.RecoverTicketSigner(t, signature)
	if err != nil {
		return false, err
	}
	return addr == t.Owner, nil
}

// RecoverTicketSigner returns the address that signed t.
func (e *EIP712Signer) RecoverTicketSigner(t *TicketEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashTicket(t)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// TicketToJSON renders t in the eth_signTypedData_v4 request format so a
// browser wallet can sign it.
func (e *EIP712Signer) TicketToJSON(t *TicketEIP712) (string, error) {
	td, err := e.typedData(t)
	if err != nil {
		return "", err
	}
	out := map[string]interface{}{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"market": t.Market,
			"side":   t.Side,
			"size":   t.Size.String(),
			"price":  t.Price.String(),
			"type":   t.Type,
			"owner":  t.Owner.Hex(),
			"nonce":  t.Nonce.String(),
		},
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(b), nil
}
