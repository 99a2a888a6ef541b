package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"farm-ledger/internal/models"
	"farm-ledger/internal/util"
)

// ErrNotFound is returned when a read-model row does not exist
var ErrNotFound = errors.New("not found")

// ListEvents returns journaled events with sequence > after, oldest first
func (s *Store) ListEvents(ctx context.Context, after uint64, limit int) ([]models.JournalEntry, error) {
	ctx, span := util.StartSpan(ctx, "Store.ListEvents")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 500
	}
	entries := []models.JournalEntry{}
	err := s.db.SelectContext(ctx, &entries,
		s.db.Rebind("SELECT * FROM ledger_events WHERE sequence > ? ORDER BY sequence LIMIT ?"),
		after, limit)
	return entries, err
}

// LastSequence returns the highest journaled sequence, 0 if empty
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.GetContext(ctx, &seq, "SELECT MAX(sequence) FROM ledger_events"); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

// GetFarmer retrieves a farmer row
func (s *Store) GetFarmer(ctx context.Context, address string) (*models.FarmerView, error) {
	var f models.FarmerView
	err := s.db.GetContext(ctx, &f, s.db.Rebind("SELECT * FROM farmers WHERE address = ?"), address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("farmer %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetProductView retrieves a product row
func (s *Store) GetProductView(ctx context.Context, id uint64) (*models.ProductView, error) {
	var p models.ProductView
	err := s.db.GetContext(ctx, &p, s.db.Rebind("SELECT * FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns product rows, optionally filtered by owner
func (s *Store) ListProducts(ctx context.Context, owner string) ([]models.ProductView, error) {
	products := []models.ProductView{}
	if owner == "" {
		err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
		return products, err
	}
	err := s.db.SelectContext(ctx, &products,
		s.db.Rebind("SELECT * FROM products WHERE owner = ? ORDER BY id"), owner)
	return products, err
}

// ListWithdrawals returns the withdrawals of owner, oldest first
func (s *Store) ListWithdrawals(ctx context.Context, owner string) ([]models.WithdrawalView, error) {
	withdrawals := []models.WithdrawalView{}
	err := s.db.SelectContext(ctx, &withdrawals,
		s.db.Rebind("SELECT * FROM withdrawals WHERE owner = ? ORDER BY sequence"), owner)
	return withdrawals, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		s.db.Rebind("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = ?)"), eventID)
	return exists, err
}
