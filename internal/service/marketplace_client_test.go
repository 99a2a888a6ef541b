package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"farm-ledger/internal/chain"
	"farm-ledger/internal/models"
	"farm-ledger/internal/network"
	"farm-ledger/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetNetwork() network.Params {
	return network.Params{
		ChainID:   "296",
		ChainName: "Hedera Testnet",
		RPCURLs:   []string{"https://testnet.hashio.io/api"},
		Currency:  network.Currency{Name: "HBAR", Symbol: "HBAR", Decimals: 8},
	}
}

func otherNetwork() network.Params {
	return network.Params{
		ChainID:   "1",
		ChainName: "Mainnet",
		RPCURLs:   []string{"https://rpc.example.org"},
		Currency:  network.Currency{Name: "Ether", Symbol: "ETH", Decimals: 18},
	}
}

type harness struct {
	node   *chain.Node
	wallet *wallet.Wallet
	client *MarketplaceClient
}

// newHarness starts a node and a client whose wallet begins on another network
func newHarness(t *testing.T, opts ...ClientOption) *harness {
	t.Helper()
	node := chain.NewNode(chain.Config{ChainID: "296"}, nil)
	node.Start()
	t.Cleanup(node.Stop)

	acct, err := wallet.GenerateAccount()
	require.NoError(t, err)
	w := wallet.New(otherNetwork(), acct)

	opts = append([]ClientOption{WithFinalityTimeout(2 * time.Second)}, opts...)
	c := NewMarketplaceClient(node, w, targetNetwork(), opts...)
	t.Cleanup(c.Disconnect)
	return &harness{node: node, wallet: w, client: c}
}

func (h *harness) connect(t *testing.T) Connection {
	t.Helper()
	conn, err := h.client.Connect(context.Background())
	require.NoError(t, err)
	return *conn
}

// addAccount adds a new account to the wallet and returns it
func (h *harness) addAccount(t *testing.T) *wallet.Account {
	t.Helper()
	a, err := wallet.GenerateAccount()
	require.NoError(t, err)
	h.wallet.AddAccount(a)
	return a
}

func TestConnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	active, _ := h.wallet.ActiveAccount()
	assert.Equal(t, active.Address(), conn.Address)
	assert.Equal(t, "296", conn.ChainID)

	id, _ := h.wallet.ChainID(context.Background())
	assert.Equal(t, "296", id, "guard should have registered and switched the network")
}

func TestConnectWithoutAccounts(t *testing.T) {
	h := newHarness(t)
	h.wallet.RemoveAccounts()

	_, err := h.client.Connect(context.Background())
	assert.ErrorIs(t, err, models.ErrNoWalletFound)
	assert.Equal(t, models.CategoryEnvironment, models.CategoryOf(err))
}

type refusingSession struct {
	*wallet.Wallet
}

func (refusingSession) AddNetwork(context.Context, network.Params) error {
	return errors.New("user rejected the request")
}

func TestConnectWrongNetwork(t *testing.T) {
	node := chain.NewNode(chain.Config{ChainID: "296"}, nil)
	acct, err := wallet.GenerateAccount()
	require.NoError(t, err)
	session := refusingSession{wallet.New(otherNetwork(), acct)}

	c := NewMarketplaceClient(node, session, targetNetwork())
	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, models.ErrWrongNetwork)

	_, ok := c.Connection()
	assert.False(t, ok)
}

func TestMutatingCallRequiresConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.CreateFarmer(context.Background())
	assert.ErrorIs(t, err, models.ErrNotConnected)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, models.OpRegisterFarmer, txErr.Op)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.client.SubscribeEvents(func(models.LedgerEvent) {})

	h.client.Disconnect()
	h.client.Disconnect()

	_, ok := h.client.Connection()
	assert.False(t, ok)
	assert.Zero(t, h.client.SubscriptionCount())
	assert.Zero(t, h.wallet.ListenerCount())
}

func TestEnsureFarmer(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := context.Background()

	res, err := h.client.EnsureFarmer(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnsureResult{Created: true, Exists: true}, res)

	res, err = h.client.EnsureFarmer(ctx)
	require.NoError(t, err)
	assert.Equal(t, EnsureResult{Created: false, Exists: true}, res)

	_, err = h.client.CreateFarmer(ctx)
	assert.ErrorIs(t, err, models.ErrAlreadyRegistered)
}

func TestMarketplaceScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	farmerConn := h.connect(t)

	_, err := h.client.EnsureFarmer(ctx)
	require.NoError(t, err)

	id, receipt, err := h.client.AddProduct(ctx, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.True(t, receipt.Succeeded())

	buyer := h.addAccount(t)
	require.NoError(t, h.node.Fund(buyer.Address(), 10_000))
	require.NoError(t, h.wallet.SelectAccount(buyer.Address()))

	conn, ok := h.client.Connection()
	require.True(t, ok)
	require.Equal(t, buyer.Address(), conn.Address)

	receipt, err = h.client.BuyProduct(ctx, id, 10, 1000)
	require.NoError(t, err)
	require.NotNil(t, receipt.Purchase)
	assert.Equal(t, farmerConn.Address, receipt.Purchase.Owner)

	bal, err := h.client.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9000), bal)

	p, err := h.client.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), p.Stock)

	f, err := h.client.GetFarmerInfo(ctx, farmerConn.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), f.Balance)

	require.NoError(t, h.wallet.SelectAccount(farmerConn.Address))
	amount, _, err := h.client.WithdrawBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), amount)

	_, _, err = h.client.WithdrawBalance(ctx)
	assert.ErrorIs(t, err, models.ErrNoBalance)
	assert.Equal(t, models.CategoryStateConflict, models.CategoryOf(err))

	products, err := h.client.GetFarmerProducts(ctx, "")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, id, products[0].ID)
}

func TestRejectionKeepsReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t)

	_, _, err := h.client.AddProduct(ctx, 50, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotAFarmer)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.NotEmpty(t, txErr.TxHash)

	status, receipt, err := h.client.TransactionStatus(ctx, txErr.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusRejected, status)
	assert.Equal(t, models.ReasonNotAFarmer, receipt.Reason)

	_, err = h.client.GetFarmerInfo(ctx, "")
	assert.ErrorIs(t, err, models.ErrFarmerNotFound)
}

func TestTimeoutPending(t *testing.T) {
	node := chain.NewNode(chain.Config{ChainID: "296", BlockInterval: time.Hour}, nil)
	node.Start()
	t.Cleanup(node.Stop)

	acct, err := wallet.GenerateAccount()
	require.NoError(t, err)
	w := wallet.New(targetNetwork(), acct)
	c := NewMarketplaceClient(node, w, targetNetwork(), WithFinalityTimeout(50*time.Millisecond))
	_, err = c.Connect(context.Background())
	require.NoError(t, err)

	_, err = c.CreateFarmer(context.Background())
	require.ErrorIs(t, err, models.ErrTimeoutPending)
	assert.NotErrorIs(t, err, models.ErrAlreadyRegistered)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)

	status, _, err := c.TransactionStatus(context.Background(), txErr.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, status)

	node.ProduceBlock()
	status, receipt, err := c.TransactionStatus(context.Background(), txErr.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusSuccess, status)
	assert.True(t, receipt.Succeeded())
}

func TestIdempotencyKeyReturnsFirstReceipt(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ctx := WithIdempotencyKey(context.Background(), "register-once")

	first, err := h.client.CreateFarmer(ctx)
	require.NoError(t, err)

	second, err := h.client.CreateFarmer(ctx)
	require.NoError(t, err, "repeat with the same key must not resubmit")
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, uint64(1), h.node.Height())
}

func TestIdempotencyKeyTakesOverAbandonedBinding(t *testing.T) {
	tr := NewMemoryTracker()
	h := newHarness(t, WithTracker(tr))
	h.connect(t)
	ctx := WithIdempotencyKey(context.Background(), "register-once")

	// a request that bound the key and whose submit then failed
	_, err := tr.Remember(ctx, "register-once", "abandoned")
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = tr.Forget(context.Background(), "register-once")
	}()

	r, err := h.client.CreateFarmer(ctx)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
	assert.NotEqual(t, "abandoned", r.TxHash)

	bound, err := tr.Remember(ctx, "register-once", "other")
	require.NoError(t, err)
	assert.Equal(t, r.TxHash, bound)
}

func TestConcurrentPurchasesResolveOnLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t)
	_, err := h.client.EnsureFarmer(ctx)
	require.NoError(t, err)
	id, _, err := h.client.AddProduct(ctx, 10, 3)
	require.NoError(t, err)

	buyer := h.addAccount(t)
	require.NoError(t, h.node.Fund(buyer.Address(), 1000))
	require.NoError(t, h.wallet.SelectAccount(buyer.Address()))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.BuyProduct(ctx, id, 2, 20)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, stock int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInsufficientStock)
		stock++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, stock)
}

func TestSubscribeEvents(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	var mu sync.Mutex
	var got []string
	unsubscribe := h.client.SubscribeEvents(func(e models.LedgerEvent) {
		mu.Lock()
		got = append(got, e.EventType)
		mu.Unlock()
	})

	ctx := context.Background()
	_, err := h.client.CreateFarmer(ctx)
	require.NoError(t, err)
	_, _, err = h.client.AddProduct(ctx, 5, 5)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{models.EventTypeFarmerJoined, models.EventTypeProductCreated}, got)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	assert.Zero(t, h.client.SubscriptionCount())
}

func TestAccountSwitchReevaluatesConnection(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	other := h.addAccount(t)
	require.NoError(t, h.wallet.SelectAccount(other.Address()))

	conn, ok := h.client.Connection()
	require.True(t, ok)
	assert.Equal(t, other.Address(), conn.Address)

	h.wallet.RemoveAccounts()
	_, ok = h.client.Connection()
	assert.False(t, ok)
}

func TestNetworkChangeReloadsConnection(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.client.SubscribeEvents(func(models.LedgerEvent) {})
	require.Equal(t, 1, h.client.SubscriptionCount())

	require.NoError(t, h.wallet.SwitchNetwork(context.Background(), "1"))

	conn, ok := h.client.Connection()
	require.True(t, ok)
	assert.Equal(t, "296", conn.ChainID)
	id, _ := h.wallet.ChainID(context.Background())
	assert.Equal(t, "296", id)

	// the reload dropped the old subscription and re-registered exactly one
	// pair of session listeners
	assert.Zero(t, h.client.SubscriptionCount())
	assert.Equal(t, 2, h.wallet.ListenerCount())
}

func TestMemoryTrackerSettleOnce(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	bound, err := tr.Remember(ctx, "k", "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", bound)
	bound, _ = tr.Remember(ctx, "k", "h2")
	assert.Equal(t, "h1", bound)

	require.NoError(t, tr.MarkPending(ctx, "h1", models.OpRegisterFarmer))
	settled, _ := tr.Settle(ctx, "h1", models.TxStatusSuccess)
	assert.True(t, settled)
	settled, _ = tr.Settle(ctx, "h1", models.TxStatusRejected)
	assert.False(t, settled)

	status, _ := tr.Status(ctx, "h1")
	assert.Equal(t, models.TxStatusSuccess, status)
}
