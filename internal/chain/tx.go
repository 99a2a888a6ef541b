package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"farm-ledger/internal/models"
)

// CheckTx rejections. A transaction failing any of these never reaches a block.
var (
	ErrEncoding       = errors.New("failed to decode transaction")
	ErrBadSignature   = errors.New("invalid signature")
	ErrSenderMismatch = errors.New("sender does not match signing key")
	ErrWrongChain     = errors.New("transaction targets a different chain")
	ErrDuplicateTx    = errors.New("transaction already known")
	ErrMempoolFull    = errors.New("mempool is full")
	ErrUnknownOp      = errors.New("unknown operation")
	ErrNotPayable     = errors.New("operation does not accept value")
	ErrNodeStopped    = errors.New("node stopped")
)

// Transaction is the unsigned call envelope
type Transaction struct {
	ChainID string          `json:"chain_id"`
	From    string          `json:"from"`
	Nonce   uint64          `json:"nonce"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Value   uint64          `json:"value,omitempty"`
}

// SignedTransaction carries the encoded Transaction and its ed25519 signature
type SignedTransaction struct {
	Tx        []byte            `json:"tx"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Signature []byte            `json:"signature"`
}

// Operation payloads
type AddProductPayload struct {
	Price uint64 `json:"price"`
	Stock uint64 `json:"stock"`
}

type UpdateStockPayload struct {
	ProductID uint64 `json:"product_id"`
	Stock     uint64 `json:"stock"`
}

type IncreasePricePayload struct {
	ProductID uint64 `json:"product_id"`
	Price     uint64 `json:"price"`
}

type PurchasePayload struct {
	ProductID uint64 `json:"product_id"`
	Amount    uint64 `json:"amount"`
}

// AddressOf derives an account address from its public key: 0x followed by
// the hex of the last 20 bytes of sha256(pub).
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:])
}

// HashOf returns the hex sha256 of the encoded transaction
func HashOf(txBytes []byte) string {
	sum := sha256.Sum256(txBytes)
	return hex.EncodeToString(sum[:])
}

// NewTransaction builds an envelope with payload encoded as JSON
func NewTransaction(chainID, from string, nonce uint64, op string, payload interface{}, value uint64) (Transaction, error) {
	tx := Transaction{ChainID: chainID, From: from, Nonce: nonce, Op: op, Value: value}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Transaction{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		tx.Payload = raw
	}
	return tx, nil
}

// Encode returns the bytes that get signed and hashed
func (tx Transaction) Encode() ([]byte, error) {
	return json.Marshal(tx)
}

// Hash of a signed transaction
func (s SignedTransaction) Hash() string {
	return HashOf(s.Tx)
}

// Sign encodes tx and signs it with signFn
func Sign(tx Transaction, pub ed25519.PublicKey, signFn func([]byte) ([]byte, error)) (SignedTransaction, error) {
	raw, err := tx.Encode()
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	sig, err := signFn(raw)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return SignedTransaction{Tx: raw, PublicKey: pub, Signature: sig}, nil
}

// call is a decoded, verified transaction ready for delivery
type call struct {
	hash    string
	tx      Transaction
	payload interface{}
}

// verify runs the stateless part of CheckTx
func verify(stx SignedTransaction, chainID string) (*call, error) {
	if len(stx.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key length", ErrEncoding)
	}
	if !ed25519.Verify(stx.PublicKey, stx.Tx, stx.Signature) {
		return nil, ErrBadSignature
	}

	var tx Transaction
	if err := json.Unmarshal(stx.Tx, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if tx.From != AddressOf(stx.PublicKey) {
		return nil, ErrSenderMismatch
	}
	if tx.ChainID != chainID {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongChain, tx.ChainID, chainID)
	}

	payload, err := decodePayload(tx)
	if err != nil {
		return nil, err
	}
	if tx.Value > 0 && tx.Op != models.OpPurchase {
		return nil, fmt.Errorf("%w: %s", ErrNotPayable, tx.Op)
	}

	return &call{hash: stx.Hash(), tx: tx, payload: payload}, nil
}

func decodePayload(tx Transaction) (interface{}, error) {
	var target interface{}
	switch tx.Op {
	case models.OpRegisterFarmer, models.OpWithdrawBalance:
		return nil, nil
	case models.OpAddProduct:
		target = &AddProductPayload{}
	case models.OpUpdateStock:
		target = &UpdateStockPayload{}
	case models.OpIncreasePrice:
		target = &IncreasePricePayload{}
	case models.OpPurchase:
		target = &PurchasePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, tx.Op)
	}
	if len(tx.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrEncoding, tx.Op)
	}
	if err := json.Unmarshal(tx.Payload, target); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrEncoding, tx.Op, err)
	}
	return target, nil
}
