package worker

import (
	"context"
	"errors"
	"fmt"

	"farm-ledger/internal/broker"
	"farm-ledger/internal/ledger"
	"farm-ledger/internal/models"
	"farm-ledger/internal/service"
	"farm-ledger/internal/util"

	"go.uber.org/zap"
)

// ProjectionWorker consumes ledger events from Kafka and applies them to the
// read model
type ProjectionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewProjectionWorker creates a new projection worker
func NewProjectionWorker(consumer *broker.Consumer, projector *service.Projector) *ProjectionWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.On(projector.HandleEvent, models.EventTypes...)

	return &ProjectionWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *ProjectionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting projection worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ProjectionWorker) Stop() error {
	w.logger.Info("Stopping projection worker")
	return w.consumer.Close()
}

// ErrJournalAhead is returned when the journal holds sequences the node's
// event log has not reached, i.e. it was projected from another ledger
var ErrJournalAhead = errors.New("journal is ahead of the node's event log")

// EventSource is the node side of a FeedWorker
type EventSource interface {
	EventsSince(after uint64, limit int) []models.LedgerEvent
	LastSequence() uint64
	Subscribe(buffer int) *ledger.Subscription
}

// Cursor reports how far the read model has been projected
type Cursor interface {
	LastSequence(ctx context.Context) (uint64, error)
}

// FeedWorker projects events straight from the node's feed. It is used when
// no broker is configured.
type FeedWorker struct {
	source    EventSource
	cursor    Cursor
	projector *service.Projector
	logger    *zap.Logger
}

// NewFeedWorker creates a worker reading from an in-process event feed
func NewFeedWorker(source EventSource, cursor Cursor, projector *service.Projector) *FeedWorker {
	return &FeedWorker{
		source:    source,
		cursor:    cursor,
		projector: projector,
		logger:    util.GetLogger(),
	}
}

const replayBatch = 500

// Start catches up from the journal's last sequence, then follows the live
// feed until ctx is done
func (w *FeedWorker) Start(ctx context.Context) error {
	// subscribe first so nothing committed during catch-up is missed
	sub := w.source.Subscribe(256)
	defer sub.Unsubscribe()

	last, err := w.cursor.LastSequence(ctx)
	if err != nil {
		return err
	}
	if head := w.source.LastSequence(); last > head {
		w.logger.Error("Journal is ahead of the node",
			zap.Uint64("journal_sequence", last),
			zap.Uint64("node_sequence", head))
		return fmt.Errorf("%w: journal at %d, node at %d", ErrJournalAhead, last, head)
	}
	w.logger.Info("Starting feed worker", zap.Uint64("after", last))

	for {
		batch := w.source.EventsSince(last, replayBatch)
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			if err := w.project(ctx, &batch[i]); err != nil {
				return err
			}
			last = batch[i].Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping feed worker", zap.Uint64("last_sequence", last))
			return ctx.Err()
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if event.Sequence <= last {
				continue
			}
			if err := w.project(ctx, &event); err != nil {
				return err
			}
			last = event.Sequence
		}
	}
}

func (w *FeedWorker) project(ctx context.Context, event *models.LedgerEvent) error {
	if err := w.projector.HandleEvent(ctx, event); err != nil {
		w.logger.Error("Failed to project event",
			zap.String("event_id", event.EventID),
			zap.Uint64("sequence", event.Sequence),
			zap.Error(err))
		return err
	}
	return nil
}
