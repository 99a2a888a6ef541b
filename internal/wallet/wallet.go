package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"farm-ledger/internal/network"
)

var (
	// ErrNoAccounts is returned when the wallet holds no unlocked account
	ErrNoAccounts = errors.New("wallet has no accounts")
	// ErrUnknownAccount is returned for an address the wallet does not hold
	ErrUnknownAccount = errors.New("account not in wallet")
)

// Wallet is an in-process signing session. The first entry of accounts is
// the active one.
type Wallet struct {
	mu       sync.RWMutex
	accounts []*Account
	chainID  string
	networks map[string]network.Params

	lmu              sync.Mutex
	nextListener     int
	accountListeners map[int]func([]string)
	networkListeners map[int]func(string)
}

// New creates a wallet attached to the initial network
func New(initial network.Params, accounts ...*Account) *Wallet {
	return &Wallet{
		accounts:         append([]*Account{}, accounts...),
		chainID:          initial.ChainID,
		networks:         map[string]network.Params{initial.ChainID: initial},
		accountListeners: make(map[int]func([]string)),
		networkListeners: make(map[int]func(string)),
	}
}

// RequestAccounts returns the account addresses, active first
func (w *Wallet) RequestAccounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return w.addressesLocked(), nil
}

// ActiveAccount returns the account used for signing
func (w *Wallet) ActiveAccount() (*Account, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.accounts) == 0 {
		return nil, false
	}
	return w.accounts[0], true
}

// AddAccount appends an account. It becomes active if it is the only one.
func (w *Wallet) AddAccount(a *Account) {
	w.mu.Lock()
	w.accounts = append(w.accounts, a)
	addrs := w.addressesLocked()
	first := len(w.accounts) == 1
	w.mu.Unlock()

	if first {
		w.emitAccounts(addrs)
	}
}

// SelectAccount makes address the active account
func (w *Wallet) SelectAccount(address string) error {
	w.mu.Lock()
	idx := -1
	for i, a := range w.accounts {
		if a.Address() == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	if idx == 0 {
		w.mu.Unlock()
		return nil
	}
	selected := w.accounts[idx]
	rest := append([]*Account{}, w.accounts[:idx]...)
	rest = append(rest, w.accounts[idx+1:]...)
	w.accounts = append([]*Account{selected}, rest...)
	addrs := w.addressesLocked()
	w.mu.Unlock()

	w.emitAccounts(addrs)
	return nil
}

// RemoveAccounts removes every account from the session, as a locked wallet would
func (w *Wallet) RemoveAccounts() {
	w.mu.Lock()
	had := len(w.accounts) > 0
	w.accounts = nil
	w.mu.Unlock()

	if had {
		w.emitAccounts([]string{})
	}
}

// Sign signs msg with the account at address
func (w *Wallet) Sign(ctx context.Context, address string, msg []byte) ([]byte, ed25519.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, a := range w.accounts {
		if a.Address() == address {
			return a.Sign(msg), a.PublicKey(), nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
}

// ChainID returns the network the session is on
func (w *Wallet) ChainID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID, nil
}

// SwitchNetwork moves the session to a known network
func (w *Wallet) SwitchNetwork(ctx context.Context, chainID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if _, ok := w.networks[chainID]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", network.ErrUnrecognizedNetwork, chainID)
	}
	changed := w.chainID != chainID
	w.chainID = chainID
	w.mu.Unlock()

	if changed {
		w.emitNetwork(chainID)
	}
	return nil
}

// AddNetwork registers network metadata with the session
func (w *Wallet) AddNetwork(ctx context.Context, params network.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid network params: %w", err)
	}
	w.mu.Lock()
	w.networks[params.ChainID] = params
	w.mu.Unlock()
	return nil
}

// Networks returns every registered network
func (w *Wallet) Networks() []network.Params {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]network.Params, 0, len(w.networks))
	for _, p := range w.networks {
		out = append(out, p)
	}
	return out
}

// OnAccountsChanged registers fn for account changes and returns a func
// that removes it.
func (w *Wallet) OnAccountsChanged(fn func(accounts []string)) func() {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	w.nextListener++
	id := w.nextListener
	w.accountListeners[id] = fn
	return func() {
		w.lmu.Lock()
		delete(w.accountListeners, id)
		w.lmu.Unlock()
	}
}

// OnNetworkChanged registers fn for network changes and returns a func
// that removes it.
func (w *Wallet) OnNetworkChanged(fn func(chainID string)) func() {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	w.nextListener++
	id := w.nextListener
	w.networkListeners[id] = fn
	return func() {
		w.lmu.Lock()
		delete(w.networkListeners, id)
		w.lmu.Unlock()
	}
}

// ListenerCount returns the number of registered change listeners
func (w *Wallet) ListenerCount() int {
	w.lmu.Lock()
	defer w.lmu.Unlock()
	return len(w.accountListeners) + len(w.networkListeners)
}

func (w *Wallet) addressesLocked() []string {
	out := make([]string, len(w.accounts))
	for i, a := range w.accounts {
		out[i] = a.Address()
	}
	return out
}

func (w *Wallet) emitAccounts(accounts []string) {
	w.lmu.Lock()
	fns := make([]func([]string), 0, len(w.accountListeners))
	for _, fn := range w.accountListeners {
		fns = append(fns, fn)
	}
	w.lmu.Unlock()

	for _, fn := range fns {
		fn(append([]string{}, accounts...))
	}
}

func (w *Wallet) emitNetwork(chainID string) {
	w.lmu.Lock()
	fns := make([]func(string), 0, len(w.networkListeners))
	for _, fn := range w.networkListeners {
		fns = append(fns, fn)
	}
	w.lmu.Unlock()

	for _, fn := range fns {
		fn(chainID)
	}
}
