package service

import (
	"context"
	"fmt"

	"farm-ledger/internal/models"
	"farm-ledger/internal/store"
	"farm-ledger/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Projector applies ledger events to the SQL journal and read model. Each
// event is applied at most once, inside a single transaction.
type Projector struct {
	store  *store.Store
	logger *zap.Logger
}

// NewProjector creates a new projector
func NewProjector(store *store.Store) *Projector {
	return &Projector{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandleEvent projects one ledger event
func (p *Projector) HandleEvent(ctx context.Context, event *models.LedgerEvent) error {
	ctx, span := util.StartSpan(ctx, "Projector.HandleEvent",
		attribute.String("event.type", event.EventType),
		attribute.Int64("event.sequence", int64(event.Sequence)))
	defer span.End()

	applied := false
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		processed, err := tx.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			return nil
		}

		inserted, err := tx.AppendJournal(ctx, event)
		if err != nil {
			return fmt.Errorf("failed to journal event: %w", err)
		}
		if !inserted {
			// the sequence is already projected under another event id
			p.logger.Warn("Sequence already journaled",
				zap.String("event_id", event.EventID),
				zap.Uint64("sequence", event.Sequence))
			return tx.MarkEventProcessed(ctx, event.EventID, event.EventType)
		}
		if err := p.apply(ctx, tx, event); err != nil {
			return err
		}
		if err := tx.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if !applied {
		p.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}
	util.EventsProjectedTotal.WithLabelValues(event.EventType).Inc()
	p.logger.Debug("Event projected",
		zap.String("event_type", event.EventType),
		zap.Uint64("sequence", event.Sequence))
	return nil
}

func (p *Projector) apply(ctx context.Context, tx *store.Tx, event *models.LedgerEvent) error {
	at := event.Timestamp.Unix()

	switch event.EventType {
	case models.EventTypeFarmerJoined:
		var e models.FarmerJoined
		if err := event.Decode(&e); err != nil {
			return err
		}
		f, err := p.farmer(ctx, tx, e.Address)
		if err != nil {
			return err
		}
		f.JoinedAt = at
		return tx.SaveFarmer(ctx, f)

	case models.EventTypeProductCreated:
		var e models.ProductCreated
		if err := event.Decode(&e); err != nil {
			return err
		}
		if err := tx.SaveProduct(ctx, &models.ProductView{
			ID:        e.ProductID,
			Owner:     e.Owner,
			Price:     store.Amount(e.Price),
			Stock:     store.Amount(e.Stock),
			Sold:      store.Amount(0),
			UpdatedAt: at,
		}); err != nil {
			return err
		}
		f, err := p.farmer(ctx, tx, e.Owner)
		if err != nil {
			return err
		}
		f.ProductCount++
		return tx.SaveFarmer(ctx, f)

	case models.EventTypeStockUpdated:
		var e models.StockUpdated
		if err := event.Decode(&e); err != nil {
			return err
		}
		return p.updateProduct(ctx, tx, e.ProductID, at, func(v *models.ProductView) {
			v.Stock = store.Amount(e.Stock)
		})

	case models.EventTypePriceIncreased:
		var e models.PriceIncreased
		if err := event.Decode(&e); err != nil {
			return err
		}
		return p.updateProduct(ctx, tx, e.ProductID, at, func(v *models.ProductView) {
			v.Price = store.Amount(e.Price)
		})

	case models.EventTypeProductBought:
		var e models.ProductBought
		if err := event.Decode(&e); err != nil {
			return err
		}
		amount := store.Amount(e.Amount)
		if err := p.updateProduct(ctx, tx, e.ProductID, at, func(v *models.ProductView) {
			v.Stock = v.Stock.Sub(amount)
			v.Sold = v.Sold.Add(amount)
		}); err != nil {
			return err
		}
		f, err := p.farmer(ctx, tx, e.Owner)
		if err != nil {
			return err
		}
		value := store.Amount(e.Value)
		f.Pending = f.Pending.Add(value)
		f.Earned = f.Earned.Add(value)
		return tx.SaveFarmer(ctx, f)

	case models.EventTypeBalanceWithdrawn:
		var e models.BalanceWithdrawn
		if err := event.Decode(&e); err != nil {
			return err
		}
		amount := store.Amount(e.Amount)
		f, err := p.farmer(ctx, tx, e.Owner)
		if err != nil {
			return err
		}
		f.Pending = f.Pending.Sub(amount)
		f.Withdrawn = f.Withdrawn.Add(amount)
		if err := tx.SaveFarmer(ctx, f); err != nil {
			return err
		}
		return tx.RecordWithdrawal(ctx, &models.WithdrawalView{
			EventID:  event.EventID,
			Owner:    e.Owner,
			Amount:   amount,
			TxHash:   event.TxHash,
			Sequence: event.Sequence,
		})

	default:
		p.logger.Warn("Unknown event type", zap.String("event_type", event.EventType))
		return nil
	}
}

// farmer loads a farmer row, starting a fresh one when events arrive out of order
func (p *Projector) farmer(ctx context.Context, tx *store.Tx, address string) (*models.FarmerView, error) {
	f, err := tx.Farmer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load farmer: %w", err)
	}
	if f == nil {
		f = &models.FarmerView{
			Address:   address,
			Pending:   store.Amount(0),
			Withdrawn: store.Amount(0),
			Earned:    store.Amount(0),
		}
	}
	return f, nil
}

func (p *Projector) updateProduct(ctx context.Context, tx *store.Tx, id uint64, at int64, fn func(*models.ProductView)) error {
	v, err := tx.Product(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load product: %w", err)
	}
	if v == nil {
		p.logger.Warn("Product not projected yet", zap.Uint64("product_id", id))
		v = &models.ProductView{ID: id, Price: store.Amount(0), Stock: store.Amount(0), Sold: store.Amount(0)}
	}
	fn(v)
	v.UpdatedAt = at
	return tx.SaveProduct(ctx, v)
}
