package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"farm-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ledgerEvent(seq uint64, eventType string, payload interface{}) *models.LedgerEvent {
	raw, _ := json.Marshal(payload)
	return &models.LedgerEvent{
		BaseEvent: models.BaseEvent{
			EventID:   fmt.Sprintf("evt-%d", seq),
			EventType: eventType,
			Timestamp: time.Unix(1700000000, 0),
		},
		Sequence: seq,
		Height:   1,
		TxHash:   "abc",
		Payload:  raw,
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		e := ledgerEvent(seq, models.EventTypeFarmerJoined, models.FarmerJoined{Address: "0xaaaa"})
		err := s.WithTx(ctx, func(tx *Tx) error {
			inserted, err := tx.AppendJournal(ctx, e)
			assert.True(t, inserted)
			return err
		})
		require.NoError(t, err)
	}

	// replaying a sequence is a no-op
	err := s.WithTx(ctx, func(tx *Tx) error {
		inserted, err := tx.AppendJournal(ctx, ledgerEvent(2, models.EventTypeFarmerJoined, models.FarmerJoined{}))
		assert.False(t, inserted)
		return err
	})
	require.NoError(t, err)

	entries, err := s.ListEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Sequence)
	assert.JSONEq(t, `{"address":"0xaaaa"}`, entries[0].Payload)

	last, err := s.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := ledgerEvent(1, models.EventTypeFarmerJoined, models.FarmerJoined{Address: "0xaaaa"})
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.AppendJournal(ctx, e); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, e.EventID, e.EventType)
	}))

	require.NoError(t, s.Reset(ctx))

	last, err := s.LastSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
	processed, err := s.IsEventProcessed(ctx, e.EventID)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestReadModelRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	big := Amount(18446744073709551615)

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SaveFarmer(ctx, &models.FarmerView{
			Address: "0xaaaa", ProductCount: 1,
			Pending: big, Withdrawn: Amount(0), Earned: big,
		}); err != nil {
			return err
		}
		if err := tx.SaveProduct(ctx, &models.ProductView{
			ID: 1, Owner: "0xaaaa", Price: Amount(100), Stock: Amount(90), Sold: Amount(10),
		}); err != nil {
			return err
		}
		return tx.RecordWithdrawal(ctx, &models.WithdrawalView{
			EventID: "w1", Owner: "0xaaaa", Amount: Amount(1000), TxHash: "abc", Sequence: 4,
		})
	})
	require.NoError(t, err)

	f, err := s.GetFarmer(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.True(t, f.Pending.Equal(big), "uint64 max must survive storage, got %s", f.Pending)

	p, err := s.GetProductView(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "90", p.Stock.String())

	products, err := s.ListProducts(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.Len(t, products, 1)

	products, err = s.ListProducts(ctx, "0xbbbb")
	require.NoError(t, err)
	assert.Empty(t, products)

	ws, err := s.ListWithdrawals(ctx, "0xaaaa")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "1000", ws[0].Amount.String())

	_, err = s.GetFarmer(ctx, "0xbbbb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	processed, err := s.IsEventProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.MarkEventProcessed(ctx, "e1", models.EventTypeFarmerJoined); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, "e1", models.EventTypeFarmerJoined)
	}))

	processed, err = s.IsEventProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.MarkEventProcessed(ctx, "e1", models.EventTypeFarmerJoined); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	processed, err := s.IsEventProcessed(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}

	s, err := NewStore(DriverPostgres, url)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.LastSequence(ctx)
	assert.NoError(t, err)
}
