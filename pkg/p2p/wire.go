package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperdesk/pkg/app/settlement"
	"github.com/uhyunpark/hyperdesk/pkg/crypto"
)

func init() {
	gob.Register(WindowWire{})
	gob.Register(ReceiptWire{})
}

var (
	ErrBadAttestation = errors.New("receipt attestation does not verify")
	ErrUnknownSigner  = errors.New("receipt signed by a key outside the committee")
)

// WindowWire is gossiped by the relay on the window topic.
type WindowWire struct {
	WindowID string
	Window   []byte // gob-encoded settlement.Window
}

// ReceiptWire is a responder's answer for one window. Sig is a BLS
// signature by Signer over ReceiptDigest(WindowID, Result).
type ReceiptWire struct {
	WindowID string
	Result   []byte // gob-encoded settlement.BatchResult
	Signer   []byte // compressed BLS public key
	Sig      []byte
}

// ReceiptDigest binds the result bytes to the window they answer.
func ReceiptDigest(windowID string, result []byte) []byte {
	return ethcrypto.Keccak256([]byte("hyperdesk/receipt/v1"), []byte(windowID), result)
}

func encodeWindow(w settlement.Window) ([]byte, error) {
	inner, err := gobEncode(w)
	if err != nil {
		return nil, fmt.Errorf("encode window: %w", err)
	}
	return gobEncode(WindowWire{WindowID: w.WindowID, Window: inner})
}

func decodeWindow(data []byte) (settlement.Window, error) {
	var ww WindowWire
	if err := gobDecode(data, &ww); err != nil {
		return settlement.Window{}, fmt.Errorf("decode window wire: %w", err)
	}
	var w settlement.Window
	if err := gobDecode(ww.Window, &w); err != nil {
		return settlement.Window{}, fmt.Errorf("decode window: %w", err)
	}
	if w.WindowID != ww.WindowID {
		return settlement.Window{}, fmt.Errorf("window id mismatch: %s vs %s", ww.WindowID, w.WindowID)
	}
	return w, nil
}

// signReceipt encodes res and attests it with key.
func signReceipt(key *crypto.BLSSigner, res settlement.BatchResult) ([]byte, error) {
	inner, err := gobEncode(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return gobEncode(ReceiptWire{
		WindowID: res.WindowID,
		Result:   inner,
		Signer:   key.PubkeyBytes(),
		Sig:      key.Sign(ReceiptDigest(res.WindowID, inner)),
	})
}

// openReceipt decodes a receipt and checks its attestation. trusted maps a
// compressed public key (as string) to the parsed key.
func openReceipt(data []byte, trusted map[string]*crypto.BLSPubKey) (settlement.BatchResult, error) {
	var rw ReceiptWire
	if err := gobDecode(data, &rw); err != nil {
		return settlement.BatchResult{}, fmt.Errorf("decode receipt wire: %w", err)
	}
	pk, ok := trusted[string(rw.Signer)]
	if !ok {
		return settlement.BatchResult{}, ErrUnknownSigner
	}
	if !crypto.Verify(pk, rw.Sig, ReceiptDigest(rw.WindowID, rw.Result)) {
		return settlement.BatchResult{}, ErrBadAttestation
	}
	var res settlement.BatchResult
	if err := gobDecode(rw.Result, &res); err != nil {
		return settlement.BatchResult{}, fmt.Errorf("decode result: %w", err)
	}
	if res.WindowID != rw.WindowID {
		return settlement.BatchResult{}, fmt.Errorf("receipt window mismatch: %s vs %s", rw.WindowID, res.WindowID)
	}
	return res, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
