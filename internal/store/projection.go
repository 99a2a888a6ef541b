package store

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"farm-ledger/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Tx is a projection transaction
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

// IsEventProcessed checks if an event has been processed
func (t *Tx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		t.tx.Rebind("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = ?)"), eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (t *Tx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := t.exec(ctx,
		"INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType, time.Now().Unix())
	return err
}

// AppendJournal records the event. It reports false if the sequence is already journaled.
func (t *Tx) AppendJournal(ctx context.Context, e *models.LedgerEvent) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO ledger_events (sequence, event_id, event_type, tx_hash, height, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.Sequence, e.EventID, e.EventType, e.TxHash, e.Height, string(e.Payload), e.Timestamp.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Farmer reads a farmer row inside the transaction; nil if absent
func (t *Tx) Farmer(ctx context.Context, address string) (*models.FarmerView, error) {
	var f models.FarmerView
	err := t.tx.GetContext(ctx, &f, t.tx.Rebind("SELECT * FROM farmers WHERE address = ?"), address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveFarmer inserts or replaces a farmer row
func (t *Tx) SaveFarmer(ctx context.Context, f *models.FarmerView) error {
	_, err := t.exec(ctx, `
		INSERT INTO farmers (address, product_count, pending, withdrawn, earned, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			product_count = excluded.product_count,
			pending = excluded.pending,
			withdrawn = excluded.withdrawn,
			earned = excluded.earned,
			joined_at = excluded.joined_at`,
		f.Address, f.ProductCount, f.Pending.String(), f.Withdrawn.String(), f.Earned.String(), f.JoinedAt)
	return err
}

// Product reads a product row inside the transaction; nil if absent
func (t *Tx) Product(ctx context.Context, id uint64) (*models.ProductView, error) {
	var p models.ProductView
	err := t.tx.GetContext(ctx, &p, t.tx.Rebind("SELECT * FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProduct inserts or replaces a product row
func (t *Tx) SaveProduct(ctx context.Context, p *models.ProductView) error {
	_, err := t.exec(ctx, `
		INSERT INTO products (id, owner, price, stock, sold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			price = excluded.price,
			stock = excluded.stock,
			sold = excluded.sold,
			updated_at = excluded.updated_at`,
		p.ID, p.Owner, p.Price.String(), p.Stock.String(), p.Sold.String(), p.UpdatedAt)
	return err
}

// RecordWithdrawal inserts a withdrawal row
func (t *Tx) RecordWithdrawal(ctx context.Context, w *models.WithdrawalView) error {
	_, err := t.exec(ctx, `
		INSERT INTO withdrawals (event_id, owner, amount, tx_hash, sequence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		w.EventID, w.Owner, w.Amount.String(), w.TxHash, w.Sequence)
	return err
}

// Amount converts a ledger amount to a decimal
func Amount(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
