package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"farm-ledger/internal/models"
	"farm-ledger/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProjectorStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestProjectorBuildsReadModel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	farmer := h.connect(t)

	_, err := h.client.EnsureFarmer(ctx)
	require.NoError(t, err)
	id, _, err := h.client.AddProduct(ctx, 100, 100)
	require.NoError(t, err)
	_, err = h.client.IncreasePrice(ctx, id, 120)
	require.NoError(t, err)

	buyer := h.addAccount(t)
	require.NoError(t, h.node.Fund(buyer.Address(), 5000))
	require.NoError(t, h.wallet.SelectAccount(buyer.Address()))
	_, err = h.client.BuyProduct(ctx, id, 10, 1500)
	require.NoError(t, err)

	require.NoError(t, h.wallet.SelectAccount(farmer.Address))
	_, _, err = h.client.WithdrawBalance(ctx)
	require.NoError(t, err)
	_, err = h.client.UpdateStock(ctx, id, 50)
	require.NoError(t, err)

	events := h.node.EventsSince(0, 0)
	require.Len(t, events, 6)

	s := newProjectorStore(t)
	p := NewProjector(s)
	for i := range events {
		require.NoError(t, p.HandleEvent(ctx, &events[i]))
	}
	// redelivery is absorbed
	for i := range events {
		require.NoError(t, p.HandleEvent(ctx, &events[i]))
	}

	f, err := s.GetFarmer(ctx, farmer.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.ProductCount)
	assert.Equal(t, "0", f.Pending.String())
	assert.Equal(t, "1500", f.Withdrawn.String())
	assert.Equal(t, "1500", f.Earned.String())

	pv, err := s.GetProductView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "120", pv.Price.String())
	assert.Equal(t, "50", pv.Stock.String())
	assert.Equal(t, "10", pv.Sold.String())

	journal, err := s.ListEvents(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, journal, 6)

	ws, err := s.ListWithdrawals(ctx, farmer.Address)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "1500", ws[0].Amount.String())
}

func TestProjectorOutOfOrderFarmerEvents(t *testing.T) {
	s := newProjectorStore(t)
	p := NewProjector(s)
	ctx := context.Background()

	bought := ledgerEventFixture(t, 3, models.EventTypeProductBought,
		models.ProductBought{ProductID: 1, Buyer: "0xcccc", Owner: "0xaaaa", Amount: 1, Value: 70})
	withdrawn := ledgerEventFixture(t, 4, models.EventTypeBalanceWithdrawn,
		models.BalanceWithdrawn{Amount: 70, Owner: "0xaaaa"})

	// withdrawal delivered before the purchase it pays out
	require.NoError(t, p.HandleEvent(ctx, withdrawn))
	require.NoError(t, p.HandleEvent(ctx, bought))

	f, err := s.GetFarmer(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, "0", f.Pending.String())
	assert.Equal(t, "70", f.Withdrawn.String())
}

func ledgerEventFixture(t *testing.T, seq uint64, eventType string, payload interface{}) *models.LedgerEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.LedgerEvent{
		BaseEvent: models.BaseEvent{
			EventID:   fmt.Sprintf("evt-%d", seq),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		Sequence: seq,
		Payload:  raw,
	}
}

func TestProjectorSkipsSequenceAlreadyJournaled(t *testing.T) {
	s := newProjectorStore(t)
	p := NewProjector(s)
	ctx := context.Background()

	first := ledgerEventFixture(t, 1, models.EventTypeProductCreated,
		models.ProductCreated{ProductID: 1, Price: 10, Owner: "0xaaaa", Stock: 5})
	require.NoError(t, p.HandleEvent(ctx, first))

	// same sequence from a ledger that started over
	other := ledgerEventFixture(t, 1, models.EventTypeProductCreated,
		models.ProductCreated{ProductID: 1, Price: 99, Owner: "0xbbbb", Stock: 1})
	other.EventID = "evt-restarted-1"
	require.NoError(t, p.HandleEvent(ctx, other))

	pv, err := s.GetProductView(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "0xaaaa", pv.Owner)
	assert.Equal(t, "10", pv.Price.String())

	_, err = s.GetFarmer(ctx, "0xbbbb")
	assert.ErrorIs(t, err, store.ErrNotFound)

	processed, err := s.IsEventProcessed(ctx, other.EventID)
	require.NoError(t, err)
	assert.True(t, processed)
}
