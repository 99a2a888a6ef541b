package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"farm-ledger/internal/chain"
	"farm-ledger/internal/ledger"
	"farm-ledger/internal/models"
	"farm-ledger/internal/network"
	"farm-ledger/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Executor is the execution environment hosting the ledger
type Executor interface {
	ChainID() string
	Submit(ctx context.Context, stx chain.SignedTransaction) (string, error)
	WaitForReceipt(ctx context.Context, hash string) (*models.Receipt, error)
	Receipt(hash string) (*models.Receipt, bool)
	Pending(hash string) bool
	WhoFarmer(address string) (models.Farmer, error)
	GetProduct(id uint64) (models.Product, error)
	ViewProducts(owner string) []models.Product
	Balance(address string) uint64
	Subscribe(buffer int) *ledger.Subscription
}

// Session is the signing session provider
type Session interface {
	network.Session
	RequestAccounts(ctx context.Context) ([]string, error)
	Sign(ctx context.Context, address string, msg []byte) ([]byte, ed25519.PublicKey, error)
	OnAccountsChanged(fn func(accounts []string)) func()
	OnNetworkChanged(fn func(chainID string)) func()
}

// Connection is the cached identity and network of a connected client
type Connection struct {
	Address string `json:"address"`
	ChainID string `json:"chain_id"`
}

// EnsureResult reports what EnsureFarmer did
type EnsureResult struct {
	Created bool `json:"created"`
	Exists  bool `json:"exists"`
}

// TxError wraps a failed mutating call. It unwraps to the ledger rejection
// or environment error so callers can match reasons with errors.Is.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed (tx %s): %v", e.Op, e.TxHash, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// ClientOption configures a MarketplaceClient
type ClientOption func(*MarketplaceClient)

// WithTracker sets the transaction tracker
func WithTracker(t TxTracker) ClientOption {
	return func(c *MarketplaceClient) { c.tracker = t }
}

// WithFinalityTimeout bounds how long a mutating call waits for its receipt
func WithFinalityTimeout(d time.Duration) ClientOption {
	return func(c *MarketplaceClient) { c.finality = d }
}

// WithLogger overrides the client logger
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *MarketplaceClient) { c.logger = l }
}

// MarketplaceClient sequences session acquisition, the network guard, the
// ledger call and the finality wait for every marketplace operation.
type MarketplaceClient struct {
	exec     Executor
	session  Session
	guard    *network.Guard
	tracker  TxTracker
	finality time.Duration
	logger   *zap.Logger
	nonce    atomic.Uint64

	mu      sync.RWMutex
	conn    *Connection
	unwatch []func()

	reloadMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]*ledger.Subscription
	nextSub int
}

// NewMarketplaceClient creates a client for the ledger hosted by exec on
// the target network
func NewMarketplaceClient(exec Executor, session Session, target network.Params, opts ...ClientOption) *MarketplaceClient {
	c := &MarketplaceClient{
		exec:     exec,
		session:  session,
		tracker:  NewMemoryTracker(),
		finality: 30 * time.Second,
		logger:   util.GetLogger(),
		subs:     make(map[int]*ledger.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.guard = network.NewGuard(target, session, c.logger)
	c.guard.OnOutcome(func(s network.State) {
		util.NetworkGuardTotal.WithLabelValues(s.String()).Inc()
	})
	c.nonce.Store(uint64(time.Now().UnixNano()))
	return c
}

// Connect acquires the active signing identity and binds it to the target network
func (c *MarketplaceClient) Connect(ctx context.Context) (*Connection, error) {
	ctx, span := util.StartSpan(ctx, "MarketplaceClient.Connect")
	defer span.End()

	conn, err := c.establish(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	if c.unwatch == nil {
		c.unwatch = []func(){
			c.session.OnAccountsChanged(c.accountsChanged),
			c.session.OnNetworkChanged(c.networkChanged),
		}
	}
	c.mu.Unlock()

	c.logger.Info("Client connected",
		zap.String("address", conn.Address),
		zap.String("chain_id", conn.ChainID))
	out := *conn
	return &out, nil
}

func (c *MarketplaceClient) establish(ctx context.Context) (*Connection, error) {
	accounts, err := c.session.RequestAccounts(ctx)
	if err != nil {
		return nil, models.NewError(models.ReasonNoWalletFound, "no signing identity available: %v", err)
	}
	if len(accounts) == 0 {
		return nil, models.NewError(models.ReasonNoWalletFound, "no signing identity available")
	}

	if _, err := c.guard.Ensure(ctx); err != nil {
		return nil, err
	}

	return &Connection{Address: accounts[0], ChainID: c.guard.Target().ChainID}, nil
}

// Disconnect clears the cached session, its change listeners and every
// event subscription. Safe to call when not connected.
func (c *MarketplaceClient) Disconnect() {
	c.mu.Lock()
	wasConnected := c.conn != nil
	c.conn = nil
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	for _, fn := range unwatch {
		fn()
	}

	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[int]*ledger.Subscription)
	c.subMu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}

	if wasConnected {
		c.logger.Info("Client disconnected")
	}
}

// Connection returns the cached connection
func (c *MarketplaceClient) Connection() (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return Connection{}, false
	}
	return *c.conn, true
}

// accountsChanged re-evaluates the connection when the session switches identity
func (c *MarketplaceClient) accountsChanged(accounts []string) {
	current, ok := c.Connection()
	if !ok {
		return
	}
	if len(accounts) == 0 {
		c.logger.Warn("Session has no accounts, disconnecting", zap.String("address", current.Address))
		c.Disconnect()
		return
	}
	if accounts[0] == current.Address {
		return
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.logger.Info("Session account changed",
		zap.String("from", current.Address),
		zap.String("to", accounts[0]))

	ctx, cancel := context.WithTimeout(context.Background(), c.finality)
	defer cancel()
	conn, err := c.establish(ctx)
	if err != nil {
		c.logger.Warn("Re-evaluating connection failed, disconnecting", zap.Error(err))
		c.Disconnect()
		return
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn = conn
	}
	c.mu.Unlock()
}

// networkChanged forces a full reload when the session leaves the connected network
func (c *MarketplaceClient) networkChanged(chainID string) {
	current, ok := c.Connection()
	if !ok || chainID == current.ChainID {
		return
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	c.logger.Warn("Session network changed, reloading connection",
		zap.String("from", current.ChainID),
		zap.String("to", chainID))

	c.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), c.finality)
	defer cancel()
	if _, err := c.Connect(ctx); err != nil {
		c.logger.Warn("Reconnect after network change failed", zap.Error(err))
	}
}

// preflight requires a live connection and re-runs the network guard
func (c *MarketplaceClient) preflight(ctx context.Context) (Connection, error) {
	conn, ok := c.Connection()
	if !ok {
		return Connection{}, models.NewError(models.ReasonNotConnected, "client is not connected")
	}
	if _, err := c.guard.Ensure(ctx); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// EnsureFarmer registers the connected identity unless it already is a farmer
func (c *MarketplaceClient) EnsureFarmer(ctx context.Context) (EnsureResult, error) {
	ctx, span := util.StartSpan(ctx, "MarketplaceClient.EnsureFarmer")
	defer span.End()

	conn, ok := c.Connection()
	if !ok {
		return EnsureResult{}, models.NewError(models.ReasonNotConnected, "client is not connected")
	}

	farmer, err := c.exec.WhoFarmer(conn.Address)
	if err == nil {
		return EnsureResult{Exists: farmer.Exists}, nil
	}
	if !errors.Is(err, models.ErrFarmerNotFound) {
		return EnsureResult{}, fmt.Errorf("failed to read farmer: %w", err)
	}

	created := true
	if _, err := c.CreateFarmer(ctx); err != nil {
		if !errors.Is(err, models.ErrAlreadyRegistered) {
			return EnsureResult{}, err
		}
		created = false
	}

	farmer, err = c.exec.WhoFarmer(conn.Address)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("failed to confirm registration: %w", err)
	}
	return EnsureResult{Created: created, Exists: farmer.Exists}, nil
}

// CreateFarmer registers the connected identity
func (c *MarketplaceClient) CreateFarmer(ctx context.Context) (*models.Receipt, error) {
	return c.transact(ctx, models.OpRegisterFarmer, nil, 0)
}

// AddProduct lists a product and returns its id
func (c *MarketplaceClient) AddProduct(ctx context.Context, price, stock uint64) (uint64, *models.Receipt, error) {
	r, err := c.transact(ctx, models.OpAddProduct, chain.AddProductPayload{Price: price, Stock: stock}, 0)
	if err != nil {
		return 0, r, err
	}
	return r.ProductID, r, nil
}

// UpdateStock replaces the stock of an owned product
func (c *MarketplaceClient) UpdateStock(ctx context.Context, productID, stock uint64) (*models.Receipt, error) {
	return c.transact(ctx, models.OpUpdateStock, chain.UpdateStockPayload{ProductID: productID, Stock: stock}, 0)
}

// IncreasePrice replaces the price of an owned product
func (c *MarketplaceClient) IncreasePrice(ctx context.Context, productID, price uint64) (*models.Receipt, error) {
	return c.transact(ctx, models.OpIncreasePrice, chain.IncreasePricePayload{ProductID: productID, Price: price}, 0)
}

// BuyProduct purchases amount units of a product paying value
func (c *MarketplaceClient) BuyProduct(ctx context.Context, productID, amount, value uint64) (*models.Receipt, error) {
	return c.transact(ctx, models.OpPurchase, chain.PurchasePayload{ProductID: productID, Amount: amount}, value)
}

// WithdrawBalance withdraws the pending balance of the connected farmer
func (c *MarketplaceClient) WithdrawBalance(ctx context.Context) (uint64, *models.Receipt, error) {
	r, err := c.transact(ctx, models.OpWithdrawBalance, nil, 0)
	if err != nil {
		return 0, r, err
	}
	return r.Withdrawn, r, nil
}

func (c *MarketplaceClient) transact(ctx context.Context, op string, payload interface{}, value uint64) (*models.Receipt, error) {
	ctx, span := util.StartSpan(ctx, "MarketplaceClient."+op, attribute.String("ledger.op", op))
	defer span.End()

	conn, err := c.preflight(ctx)
	if err != nil {
		return nil, &TxError{Op: op, Err: err}
	}

	tx, err := chain.NewTransaction(conn.ChainID, conn.Address, c.nonce.Add(1), op, payload, value)
	if err != nil {
		return nil, &TxError{Op: op, Err: err}
	}
	raw, err := tx.Encode()
	if err != nil {
		return nil, &TxError{Op: op, Err: fmt.Errorf("failed to encode transaction: %w", err)}
	}
	sig, pub, err := c.session.Sign(ctx, conn.Address, raw)
	if err != nil {
		return nil, &TxError{Op: op, Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}
	stx := chain.SignedTransaction{Tx: raw, PublicKey: pub, Signature: sig}
	hash := stx.Hash()

	span.SetAttributes(attribute.String("ledger.tx_hash", hash))

	waitCtx, cancel := context.WithTimeout(ctx, c.finality)
	defer cancel()

	key := IdempotencyKeyFrom(ctx)
	submit := true
	if key != "" {
		bound, err := c.bind(waitCtx, key, hash)
		if err != nil {
			return nil, &TxError{Op: op, Err: fmt.Errorf("failed to record idempotency key: %w", err)}
		}
		if bound != hash {
			c.logger.Info("Duplicate request detected",
				zap.String("idempotency_key", key),
				zap.String("tx_hash", bound))
			hash = bound
			submit = false
		}
	}

	start := time.Now()
	if submit {
		if _, err := c.exec.Submit(ctx, stx); err != nil {
			if key != "" {
				_ = c.tracker.Forget(ctx, key)
			}
			if errors.Is(err, chain.ErrWrongChain) {
				err = models.NewError(models.ReasonWrongNetwork, "%v", err)
			}
			return nil, &TxError{Op: op, Err: fmt.Errorf("failed to submit transaction: %w", err)}
		}
		if err := c.tracker.MarkPending(ctx, hash, op); err != nil {
			c.logger.Warn("Failed to mark transaction pending", zap.String("tx_hash", hash), zap.Error(err))
		}
		c.logger.Info("Transaction submitted",
			zap.String("op", op),
			zap.String("tx_hash", hash),
			zap.String("from", conn.Address))
	}

	r, err := c.exec.WaitForReceipt(waitCtx, hash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			util.ClientTimeoutsTotal.WithLabelValues(op).Inc()
			c.logger.Warn("Finality not confirmed in time",
				zap.String("op", op),
				zap.String("tx_hash", hash))
			return nil, &TxError{Op: op, TxHash: hash,
				Err: models.NewError(models.ReasonTimeoutPending, "transaction %s may still be applied", hash)}
		}
		return nil, &TxError{Op: op, TxHash: hash, Err: fmt.Errorf("failed to wait for receipt: %w", err)}
	}
	util.FinalityLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if _, err := c.tracker.Settle(ctx, hash, r.Status); err != nil {
		c.logger.Warn("Failed to settle transaction", zap.String("tx_hash", hash), zap.Error(err))
	}

	if !r.Succeeded() {
		span.SetStatus(codes.Error, string(r.Reason))
		return r, &TxError{Op: op, TxHash: hash, Err: r.Err()}
	}
	return r, nil
}

// bind records key for hash and returns the hash key ends up bound to. A
// hash bound by another request counts only once the node knows it; until
// then the binding may belong to a submit that is about to fail and Forget
// the key, in which case hash takes the key over.
func (c *MarketplaceClient) bind(ctx context.Context, key, hash string) (string, error) {
	ticker := time.NewTicker(bindPollInterval)
	defer ticker.Stop()
	for {
		bound, err := c.tracker.Remember(ctx, key, hash)
		if err != nil || bound == hash || c.known(bound) {
			return bound, err
		}
		select {
		case <-ctx.Done():
			return bound, nil
		case <-ticker.C:
		}
	}
}

// known reports whether the node has admitted hash
func (c *MarketplaceClient) known(hash string) bool {
	if c.exec.Pending(hash) {
		return true
	}
	_, ok := c.exec.Receipt(hash)
	return ok
}

const bindPollInterval = 20 * time.Millisecond

// TransactionStatus reports the state of a submitted transaction, with its
// receipt once final
func (c *MarketplaceClient) TransactionStatus(ctx context.Context, hash string) (string, *models.Receipt, error) {
	if r, ok := c.exec.Receipt(hash); ok {
		if _, err := c.tracker.Settle(ctx, hash, r.Status); err != nil {
			c.logger.Warn("Failed to settle transaction", zap.String("tx_hash", hash), zap.Error(err))
		}
		return r.Status, r, nil
	}
	if c.exec.Pending(hash) {
		return models.TxStatusPending, nil, nil
	}

	status, err := c.tracker.Status(ctx, hash)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read transaction status: %w", err)
	}
	if status == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, hash)
	}
	return status, nil, nil
}

// GetFarmerInfo reads a farmer record. An empty address reads the connected identity.
func (c *MarketplaceClient) GetFarmerInfo(ctx context.Context, address string) (models.Farmer, error) {
	_, span := util.StartSpan(ctx, "MarketplaceClient.GetFarmerInfo")
	defer span.End()

	address, err := c.resolve(address)
	if err != nil {
		return models.Farmer{}, err
	}
	return c.exec.WhoFarmer(address)
}

// GetProduct reads a product
func (c *MarketplaceClient) GetProduct(ctx context.Context, id uint64) (models.Product, error) {
	_, span := util.StartSpan(ctx, "MarketplaceClient.GetProduct")
	defer span.End()

	return c.exec.GetProduct(id)
}

// GetFarmerProducts lists the products of owner. An empty owner lists the
// connected identity's products.
func (c *MarketplaceClient) GetFarmerProducts(ctx context.Context, owner string) ([]models.Product, error) {
	_, span := util.StartSpan(ctx, "MarketplaceClient.GetFarmerProducts")
	defer span.End()

	owner, err := c.resolve(owner)
	if err != nil {
		return nil, err
	}
	return c.exec.ViewProducts(owner), nil
}

// Balance returns the native balance of the connected identity
func (c *MarketplaceClient) Balance(ctx context.Context) (uint64, error) {
	address, err := c.resolve("")
	if err != nil {
		return 0, err
	}
	return c.exec.Balance(address), nil
}

func (c *MarketplaceClient) resolve(address string) (string, error) {
	if address != "" {
		return address, nil
	}
	conn, ok := c.Connection()
	if !ok {
		return "", models.NewError(models.ReasonNotConnected, "client is not connected")
	}
	return conn.Address, nil
}

// SubscribeEvents calls handler with every committed ledger event, in order,
// until the returned func is called or the client disconnects
func (c *MarketplaceClient) SubscribeEvents(handler func(models.LedgerEvent)) func() {
	sub := c.exec.Subscribe(64)

	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = sub
	c.subMu.Unlock()

	go func() {
		for e := range sub.C {
			handler(e)
		}
	}()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
		sub.Unsubscribe()
	}
}

// SubscriptionCount returns the number of live event subscriptions
func (c *MarketplaceClient) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}
