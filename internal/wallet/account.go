// Package wallet is the signing session the transaction orchestrator talks
// to. It owns ed25519 account keys, tracks which network the session is on,
// and notifies listeners when the active account or network changes.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"farm-ledger/internal/chain"
)

// Account is a signing identity. Its address is derived from the public key.
type Account struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewAccount creates an Account from a private key
func NewAccount(priv ed25519.PrivateKey) *Account {
	pub := priv.Public().(ed25519.PublicKey)
	return &Account{
		privateKey: priv,
		publicKey:  pub,
		address:    chain.AddressOf(pub),
	}
}

// GenerateAccount creates an Account with a fresh random key
func GenerateAccount() (*Account, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewAccount(priv), nil
}

// Address returns the account address
func (a *Account) Address() string {
	return a.address
}

// PublicKey returns the raw public key
func (a *Account) PublicKey() ed25519.PublicKey {
	return a.publicKey
}

// Sign signs msg with the account key
func (a *Account) Sign(msg []byte) []byte {
	return ed25519.Sign(a.privateKey, msg)
}

// LoadOrCreateAccount loads the PEM (PKCS8) key at keyPath, generating and
// saving a new one with 0600 permissions when the file is missing or empty.
func LoadOrCreateAccount(keyPath string) (*Account, error) {
	info, err := os.Stat(keyPath)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		priv, err := generateAndSaveKey(keyPath)
		if err != nil {
			return nil, err
		}
		return NewAccount(priv), nil
	}
	if err != nil {
		return nil, err
	}

	priv, err := loadKey(keyPath)
	if err != nil {
		return nil, err
	}
	return NewAccount(priv), nil
}

func generateAndSaveKey(keyPath string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	encoded, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer file.Close()

	if err := pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: encoded}); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return priv, nil
}

func loadKey(keyPath string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return priv, nil
}
