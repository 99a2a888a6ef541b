// Package chain hosts the ledger the way an execution network would: signed
// transactions are admitted to a mempool, a single block producer applies
// them one at a time, and every applied or rejected call ends in a final
// receipt.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"farm-ledger/internal/ledger"
	"farm-ledger/internal/models"
	"farm-ledger/internal/util"

	"go.uber.org/zap"
)

// Config configures a Node
type Config struct {
	ChainID string
	// BlockInterval of zero produces a block as soon as a transaction arrives
	BlockInterval time.Duration
	MaxTxPerBlock int
	MempoolSize   int
}

// Block is a committed batch of receipts
type Block struct {
	Height   uint64
	Time     time.Time
	Receipts []*models.Receipt
	Events   []models.LedgerEvent
}

// CommitHook runs after every committed block, outside the node lock
type CommitHook func(ctx context.Context, block Block)

// Node is a single-writer execution environment for the ledger
type Node struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	ledger    *ledger.Ledger
	balances  map[string]uint64
	height    uint64
	seen      map[string]struct{}
	mempool   []*call
	receipts  map[string]*models.Receipt
	committed chan struct{}
	stopped   bool

	// produceMu spans a whole block, hooks and feed included, so blocks
	// reach subscribers in height order.
	produceMu sync.Mutex
	hooks     []CommitHook
	feed      *ledger.Feed

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	running  bool
	stopOnce sync.Once
}

// NewNode creates a node with an empty ledger
func NewNode(cfg Config, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = 100
	}
	if cfg.MempoolSize <= 0 {
		cfg.MempoolSize = 1000
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		balances:  make(map[string]uint64),
		seen:      make(map[string]struct{}),
		receipts:  make(map[string]*models.Receipt),
		committed: make(chan struct{}),
		feed:      ledger.NewFeed(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	n.ledger = ledger.New(ledger.NewStore(),
		ledger.WithPayout(ledger.PayoutFunc(n.credit)),
		ledger.WithCharge(ledger.ChargeFunc(n.debit)))
	return n
}

// ChainID returns the network identifier
func (n *Node) ChainID() string {
	return n.cfg.ChainID
}

// OnCommit registers a hook. Hooks must be added before Start.
func (n *Node) OnCommit(hook CommitHook) {
	n.hooks = append(n.hooks, hook)
}

// Fund sets up a genesis allocation
func (n *Node) Fund(address string, amount uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	sum, carry := bits.Add64(n.balances[address], amount, 0)
	if carry != 0 {
		return models.NewError(models.ReasonBalanceOverflow, "funding %s overflows", address)
	}
	n.balances[address] = sum
	return nil
}

// Submit admits a signed transaction to the mempool and returns its hash
func (n *Node) Submit(ctx context.Context, stx SignedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c, err := verify(stx, n.cfg.ChainID)
	if err != nil {
		util.CheckTxRejectedTotal.Inc()
		return "", err
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return "", ErrNodeStopped
	}
	if _, ok := n.seen[c.hash]; ok {
		n.mu.Unlock()
		util.CheckTxRejectedTotal.Inc()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTx, c.hash)
	}
	if len(n.mempool) >= n.cfg.MempoolSize {
		n.mu.Unlock()
		util.CheckTxRejectedTotal.Inc()
		return "", ErrMempoolFull
	}
	n.seen[c.hash] = struct{}{}
	n.mempool = append(n.mempool, c)
	util.MempoolSize.Set(float64(len(n.mempool)))
	n.mu.Unlock()

	n.logger.Debug("Transaction admitted",
		zap.String("tx_hash", c.hash),
		zap.String("op", c.tx.Op),
		zap.String("from", c.tx.From))

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return c.hash, nil
}

// Start launches the block producer
func (n *Node) Start() {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.running {
		return
	}
	n.running = true
	go n.run()
}

// Stop halts block production and closes the event feed
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		close(n.stop)
		n.startMu.Lock()
		running := n.running
		n.startMu.Unlock()
		if running {
			<-n.done
		}
		n.feed.Close()
	})
}

func (n *Node) run() {
	defer close(n.done)

	var tick <-chan time.Time
	if n.cfg.BlockInterval > 0 {
		ticker := time.NewTicker(n.cfg.BlockInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-n.stop:
			return
		case <-tick:
			n.ProduceBlock()
		case <-n.wake:
			if tick == nil {
				n.ProduceBlock()
			}
		}
	}
}

// ProduceBlock delivers up to MaxTxPerBlock mempool transactions and commits
// them. It returns false when the mempool was empty. Safe to call alongside
// the running producer.
func (n *Node) ProduceBlock() bool {
	n.produceMu.Lock()
	defer n.produceMu.Unlock()

	n.mu.Lock()
	if len(n.mempool) == 0 {
		n.mu.Unlock()
		return false
	}

	count := len(n.mempool)
	if count > n.cfg.MaxTxPerBlock {
		count = n.cfg.MaxTxPerBlock
	}
	batch := n.mempool[:count]
	n.mempool = append([]*call{}, n.mempool[count:]...)

	height := n.height + 1
	block := Block{Height: height, Time: time.Now()}
	for i, c := range batch {
		r := n.deliver(c, height, i)
		block.Receipts = append(block.Receipts, r)
		block.Events = append(block.Events, r.Events...)
	}

	// commit
	n.height = height
	for _, r := range block.Receipts {
		n.receipts[r.TxHash] = r
	}
	close(n.committed)
	n.committed = make(chan struct{})
	util.BlockHeight.Set(float64(height))
	util.MempoolSize.Set(float64(len(n.mempool)))
	n.mu.Unlock()

	n.logger.Info("Block committed",
		zap.Uint64("height", height),
		zap.Int("txs", len(block.Receipts)),
		zap.Int("events", len(block.Events)))

	for _, hook := range n.hooks {
		hook(context.Background(), block)
	}
	n.feed.Publish(block.Events...)

	// more work left, keep producing without waiting for the next tick
	if n.MempoolLen() > 0 && n.cfg.BlockInterval == 0 {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// deliver applies one call. Caller holds the write lock.
func (n *Node) deliver(c *call, height uint64, index int) *models.Receipt {
	r := &models.Receipt{
		TxHash: c.hash,
		Op:     c.tx.Op,
		From:   c.tx.From,
		Height: height,
		Index:  index,
	}

	events, err := n.ledger.Execute(ledger.TxContext{Hash: c.hash, Height: height}, func(l *ledger.Ledger) error {
		return n.apply(l, c, r)
	})
	if err != nil {
		r.Status = models.TxStatusRejected
		r.Message = err.Error()
		if reason, ok := models.ReasonOf(err); ok {
			r.Reason = reason
			r.Message = messageOf(err)
		}
		util.LedgerRejectionsTotal.WithLabelValues(string(r.Reason)).Inc()
		n.logger.Info("Transaction rejected",
			zap.String("tx_hash", c.hash),
			zap.String("op", c.tx.Op),
			zap.String("reason", string(r.Reason)))
	} else {
		r.Status = models.TxStatusSuccess
		r.Events = events
	}
	util.LedgerTxTotal.WithLabelValues(c.tx.Op, r.Status).Inc()
	return r
}

func (n *Node) apply(l *ledger.Ledger, c *call, r *models.Receipt) error {
	from := c.tx.From
	switch p := c.payload.(type) {
	case *AddProductPayload:
		id, err := l.AddProduct(from, p.Price, p.Stock)
		if err != nil {
			return err
		}
		r.ProductID = id
		return nil
	case *UpdateStockPayload:
		r.ProductID = p.ProductID
		return l.UpdateStock(from, p.ProductID, p.Stock)
	case *IncreasePricePayload:
		r.ProductID = p.ProductID
		return l.IncreasePrice(from, p.ProductID, p.Price)
	case *PurchasePayload:
		r.ProductID = p.ProductID
		info, err := l.Purchase(from, p.ProductID, p.Amount, c.tx.Value)
		if err != nil {
			return err
		}
		r.Purchase = info
		return nil
	}

	switch c.tx.Op {
	case models.OpRegisterFarmer:
		return l.RegisterFarmer(from)
	case models.OpWithdrawBalance:
		amount, err := l.WithdrawBalance(from)
		if err != nil {
			return err
		}
		r.Withdrawn = amount
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, c.tx.Op)
}

// credit is the ledger payout hook. It runs inside deliver under the write lock.
func (n *Node) credit(to string, amount uint64) error {
	sum, carry := bits.Add64(n.balances[to], amount, 0)
	if carry != 0 {
		return fmt.Errorf("account balance of %s would overflow", to)
	}
	n.balances[to] = sum
	return nil
}

// debit is the ledger charge hook. Like credit it runs under the write lock.
func (n *Node) debit(from string, amount uint64) error {
	if n.balances[from] < amount {
		return models.NewError(models.ReasonInsufficientAccountBalance,
			"account balance %d below value %d", n.balances[from], amount)
	}
	n.balances[from] -= amount
	return nil
}

// Receipt returns the final receipt for hash, if committed
func (n *Node) Receipt(hash string) (*models.Receipt, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.receipts[hash]
	return r, ok
}

// Pending reports whether hash is admitted but not yet final
func (n *Node) Pending(hash string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, seen := n.seen[hash]
	_, final := n.receipts[hash]
	return seen && !final
}

// WaitForReceipt blocks until hash is final or ctx is done
func (n *Node) WaitForReceipt(ctx context.Context, hash string) (*models.Receipt, error) {
	for {
		n.mu.RLock()
		r, ok := n.receipts[hash]
		next := n.committed
		stopped := n.stopped
		n.mu.RUnlock()

		if ok {
			return r, nil
		}
		if stopped {
			return nil, ErrNodeStopped
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-next:
		case <-n.stop:
		}
	}
}

// Height returns the last committed height
func (n *Node) Height() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.height
}

// MempoolLen returns the number of transactions awaiting inclusion
func (n *Node) MempoolLen() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.mempool)
}

// Balance returns the native balance of address
func (n *Node) Balance(address string) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.balances[address]
}

// WhoFarmer reads a farmer record
func (n *Node) WhoFarmer(address string) (models.Farmer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.WhoFarmer(address)
}

// GetProduct reads a product
func (n *Node) GetProduct(id uint64) (models.Product, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.GetProduct(id)
}

// ViewProducts lists the products owned by owner
func (n *Node) ViewProducts(owner string) []models.Product {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.ViewProducts(owner)
}

// Snapshot copies the ledger state
func (n *Node) Snapshot() ledger.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.Store().Snapshot()
}

// EventsSince returns committed events with Sequence > after
func (n *Node) EventsSince(after uint64, limit int) []models.LedgerEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.Events().Since(after, limit)
}

// LastSequence returns the sequence of the newest event, 0 if none
func (n *Node) LastSequence() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return uint64(n.ledger.Events().Len())
}

// Subscribe returns a live event subscription
func (n *Node) Subscribe(buffer int) *ledger.Subscription {
	return n.feed.Subscribe(buffer)
}

func messageOf(err error) string {
	var le *models.LedgerError
	if errors.As(err, &le) && le.Message != "" {
		return le.Message
	}
	return err.Error()
}
