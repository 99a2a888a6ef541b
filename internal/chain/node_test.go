package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"farm-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = "296"

type key struct {
	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	addr  string
	nonce uint64
}

func newKey(t *testing.T) *key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &key{pub: pub, priv: priv, addr: AddressOf(pub)}
}

func (k *key) sign(t *testing.T, chainID, op string, payload interface{}, value uint64) SignedTransaction {
	t.Helper()
	k.nonce++
	tx, err := NewTransaction(chainID, k.addr, k.nonce, op, payload, value)
	require.NoError(t, err)
	stx, err := Sign(tx, k.pub, func(b []byte) ([]byte, error) {
		return ed25519.Sign(k.priv, b), nil
	})
	require.NoError(t, err)
	return stx
}

func (k *key) submit(t *testing.T, n *Node, op string, payload interface{}, value uint64) string {
	t.Helper()
	hash, err := n.Submit(context.Background(), k.sign(t, testChain, op, payload, value))
	require.NoError(t, err)
	return hash
}

func newTestNode() *Node {
	return NewNode(Config{ChainID: testChain, MaxTxPerBlock: 10, MempoolSize: 50}, nil)
}

func TestCheckTxRejections(t *testing.T) {
	n := newTestNode()
	k := newKey(t)
	other := newKey(t)

	t.Run("bad signature", func(t *testing.T) {
		stx := k.sign(t, testChain, models.OpRegisterFarmer, nil, 0)
		stx.Signature[0] ^= 0xff
		_, err := n.Submit(context.Background(), stx)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("sender mismatch", func(t *testing.T) {
		tx, err := NewTransaction(testChain, other.addr, 1, models.OpRegisterFarmer, nil, 0)
		require.NoError(t, err)
		stx, err := Sign(tx, k.pub, func(b []byte) ([]byte, error) { return ed25519.Sign(k.priv, b), nil })
		require.NoError(t, err)
		_, err = n.Submit(context.Background(), stx)
		assert.ErrorIs(t, err, ErrSenderMismatch)
	})

	t.Run("wrong chain", func(t *testing.T) {
		_, err := n.Submit(context.Background(), k.sign(t, "1", models.OpRegisterFarmer, nil, 0))
		assert.ErrorIs(t, err, ErrWrongChain)
	})

	t.Run("unknown op", func(t *testing.T) {
		_, err := n.Submit(context.Background(), k.sign(t, testChain, "mint", nil, 0))
		assert.ErrorIs(t, err, ErrUnknownOp)
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := n.Submit(context.Background(), k.sign(t, testChain, models.OpAddProduct, nil, 0))
		assert.ErrorIs(t, err, ErrEncoding)
	})

	t.Run("value on non payable op", func(t *testing.T) {
		_, err := n.Submit(context.Background(), k.sign(t, testChain, models.OpRegisterFarmer, nil, 5))
		assert.ErrorIs(t, err, ErrNotPayable)
	})

	t.Run("duplicate", func(t *testing.T) {
		stx := k.sign(t, testChain, models.OpRegisterFarmer, nil, 0)
		_, err := n.Submit(context.Background(), stx)
		require.NoError(t, err)
		_, err = n.Submit(context.Background(), stx)
		assert.ErrorIs(t, err, ErrDuplicateTx)
	})

	assert.Equal(t, 1, n.MempoolLen())
}

func TestMempoolFull(t *testing.T) {
	n := NewNode(Config{ChainID: testChain, MempoolSize: 2}, nil)
	k := newKey(t)

	k.submit(t, n, models.OpRegisterFarmer, nil, 0)
	k.submit(t, n, models.OpRegisterFarmer, nil, 0)
	_, err := n.Submit(context.Background(), k.sign(t, testChain, models.OpRegisterFarmer, nil, 0))
	assert.ErrorIs(t, err, ErrMempoolFull)
}

func TestMarketplaceFlow(t *testing.T) {
	n := newTestNode()
	farmer := newKey(t)
	buyer := newKey(t)
	require.NoError(t, n.Fund(buyer.addr, 5000))

	var blocks []Block
	n.OnCommit(func(_ context.Context, b Block) { blocks = append(blocks, b) })

	reg := farmer.submit(t, n, models.OpRegisterFarmer, nil, 0)
	add := farmer.submit(t, n, models.OpAddProduct, AddProductPayload{Price: 100, Stock: 100}, 0)
	require.True(t, n.ProduceBlock())

	r, ok := n.Receipt(reg)
	require.True(t, ok)
	assert.True(t, r.Succeeded())
	r, ok = n.Receipt(add)
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.ProductID)
	assert.Equal(t, 1, r.Index)

	buy := buyer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 10}, 1000)
	require.True(t, n.ProduceBlock())
	r, _ = n.Receipt(buy)
	require.True(t, r.Succeeded(), r.Message)
	require.NotNil(t, r.Purchase)
	assert.Equal(t, farmer.addr, r.Purchase.Owner)
	assert.Equal(t, uint64(4000), n.Balance(buyer.addr))

	p, err := n.GetProduct(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), p.Stock)

	wd := farmer.submit(t, n, models.OpWithdrawBalance, nil, 0)
	again := farmer.submit(t, n, models.OpWithdrawBalance, nil, 0)
	require.True(t, n.ProduceBlock())

	r, _ = n.Receipt(wd)
	assert.Equal(t, uint64(1000), r.Withdrawn)
	assert.Equal(t, uint64(1000), n.Balance(farmer.addr))

	r, _ = n.Receipt(again)
	assert.Equal(t, models.TxStatusRejected, r.Status)
	assert.ErrorIs(t, r.Err(), models.ErrNoBalance)

	assert.Equal(t, uint64(3), n.Height())
	require.Len(t, blocks, 3)
	assert.Len(t, blocks[0].Events, 2)
	assert.Equal(t, models.EventTypeProductBought, blocks[1].Events[0].EventType)
	assert.Equal(t, buy, blocks[1].Events[0].TxHash)
	assert.Len(t, n.EventsSince(0, 0), 4)
}

func TestPurchaseRequiresAccountBalance(t *testing.T) {
	n := newTestNode()
	farmer := newKey(t)
	buyer := newKey(t)
	require.NoError(t, n.Fund(buyer.addr, 50))

	farmer.submit(t, n, models.OpRegisterFarmer, nil, 0)
	farmer.submit(t, n, models.OpAddProduct, AddProductPayload{Price: 100, Stock: 1}, 0)
	n.ProduceBlock()

	hash := buyer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 1}, 100)
	n.ProduceBlock()

	r, _ := n.Receipt(hash)
	assert.ErrorIs(t, r.Err(), models.ErrInsufficientAccountBalance)
	assert.Equal(t, uint64(50), n.Balance(buyer.addr))

	p, _ := n.GetProduct(1)
	assert.Equal(t, uint64(1), p.Stock)
}

func TestRejectedPurchaseKeepsAccountBalance(t *testing.T) {
	n := newTestNode()
	farmer := newKey(t)
	buyer := newKey(t)
	require.NoError(t, n.Fund(buyer.addr, 1000))

	farmer.submit(t, n, models.OpRegisterFarmer, nil, 0)
	farmer.submit(t, n, models.OpAddProduct, AddProductPayload{Price: 100, Stock: 1}, 0)
	n.ProduceBlock()

	hash := buyer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 2}, 200)
	n.ProduceBlock()

	r, _ := n.Receipt(hash)
	assert.ErrorIs(t, r.Err(), models.ErrInsufficientStock)
	assert.Equal(t, uint64(1000), n.Balance(buyer.addr))
	assert.Empty(t, r.Events)
}

func TestBlockSizeLimit(t *testing.T) {
	n := NewNode(Config{ChainID: testChain, MaxTxPerBlock: 2}, nil)
	k := newKey(t)
	for i := 0; i < 5; i++ {
		k.submit(t, n, models.OpRegisterFarmer, nil, 0)
	}

	n.ProduceBlock()
	assert.Equal(t, 3, n.MempoolLen())
	n.ProduceBlock()
	n.ProduceBlock()
	assert.Zero(t, n.MempoolLen())
	assert.False(t, n.ProduceBlock())
	assert.Equal(t, uint64(3), n.Height())
}

func TestWaitForReceipt(t *testing.T) {
	n := NewNode(Config{ChainID: testChain}, nil)
	n.Start()
	defer n.Stop()

	k := newKey(t)
	hash := k.submit(t, n, models.OpRegisterFarmer, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := n.WaitForReceipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, r.Succeeded())

	f, err := n.WhoFarmer(k.addr)
	require.NoError(t, err)
	assert.True(t, f.Exists)
}

func TestWaitForReceiptTimeout(t *testing.T) {
	n := NewNode(Config{ChainID: testChain, BlockInterval: time.Hour}, nil)
	n.Start()
	defer n.Stop()

	k := newKey(t)
	hash := k.submit(t, n, models.OpRegisterFarmer, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.WaitForReceipt(ctx, hash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, n.Pending(hash))

	// the call still lands once a block is produced
	n.ProduceBlock()
	r, ok := n.Receipt(hash)
	require.True(t, ok)
	assert.True(t, r.Succeeded())
}

func TestConcurrentPurchasesSerialize(t *testing.T) {
	n := NewNode(Config{ChainID: testChain}, nil)
	n.Start()
	defer n.Stop()

	farmer := newKey(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := n.WaitForReceipt(ctx, farmer.submit(t, n, models.OpRegisterFarmer, nil, 0))
	require.NoError(t, err)
	_, err = n.WaitForReceipt(ctx, farmer.submit(t, n, models.OpAddProduct, AddProductPayload{Price: 10, Stock: 5}, 0))
	require.NoError(t, err)

	buyers := make([]*key, 4)
	stxs := make([]SignedTransaction, 4)
	for i := range buyers {
		buyers[i] = newKey(t)
		require.NoError(t, n.Fund(buyers[i].addr, 100))
		stxs[i] = buyers[i].sign(t, testChain, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 2}, 20)
	}

	var wg sync.WaitGroup
	results := make(chan *models.Receipt, len(stxs))
	for _, stx := range stxs {
		wg.Add(1)
		go func(stx SignedTransaction) {
			defer wg.Done()
			hash, err := n.Submit(ctx, stx)
			if !assert.NoError(t, err) {
				return
			}
			r, err := n.WaitForReceipt(ctx, hash)
			if assert.NoError(t, err) {
				results <- r
			}
		}(stx)
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for r := range results {
		if r.Succeeded() {
			ok++
		} else {
			assert.ErrorIs(t, r.Err(), models.ErrInsufficientStock)
			rejected++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, rejected)

	p, err := n.GetProduct(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stock)
}

func TestSubscribeReceivesCommittedEvents(t *testing.T) {
	n := NewNode(Config{ChainID: testChain}, nil)
	sub := n.Subscribe(0)
	n.Start()

	k := newKey(t)
	k.submit(t, n, models.OpRegisterFarmer, nil, 0)

	select {
	case e := <-sub.C:
		assert.Equal(t, models.EventTypeFarmerJoined, e.EventType)
		var p models.FarmerJoined
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Equal(t, k.addr, p.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	n.Stop()
	_, open := <-sub.C
	assert.False(t, open)
}

func TestPurchasePreconditionsPrecedeAccountBalance(t *testing.T) {
	n := newTestNode()
	farmer := newKey(t)
	buyer := newKey(t)

	farmer.submit(t, n, models.OpRegisterFarmer, nil, 0)
	farmer.submit(t, n, models.OpAddProduct, AddProductPayload{Price: 1, Stock: 10}, 0)
	n.ProduceBlock()

	own := farmer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 1}, 100)
	missing := buyer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 99, Amount: 1}, 100)
	zero := buyer.submit(t, n, models.OpPurchase, PurchasePayload{ProductID: 1, Amount: 0}, 100)
	n.ProduceBlock()

	tests := []struct {
		name   string
		hash   string
		reason models.Reason
	}{
		{"self purchase", own, models.ReasonSelfPurchase},
		{"missing product", missing, models.ReasonProductNotFound},
		{"zero amount", zero, models.ReasonInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := n.Receipt(tt.hash)
			require.True(t, ok)
			assert.Equal(t, models.TxStatusRejected, r.Status)
			assert.Equal(t, tt.reason, r.Reason)
		})
	}

	p, _ := n.GetProduct(1)
	assert.Equal(t, uint64(10), p.Stock)
	assert.Zero(t, n.Balance(farmer.addr))
	assert.Zero(t, n.Balance(buyer.addr))
}

func TestConcurrentProduceBlockKeepsEventOrder(t *testing.T) {
	n := NewNode(Config{ChainID: testChain, MaxTxPerBlock: 1, MempoolSize: 100}, nil)
	sub := n.Subscribe(64)

	const farmers = 20
	for i := 0; i < farmers; i++ {
		newKey(t).submit(t, n, models.OpRegisterFarmer, nil, 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n.ProduceBlock() {
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(farmers), n.Height())

	var last uint64
	for i := 0; i < farmers; i++ {
		select {
		case e := <-sub.C:
			assert.Greater(t, e.Sequence, last)
			last = e.Sequence
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events delivered", i)
		}
	}
}
