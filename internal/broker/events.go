package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"farm-ledger/internal/chain"
	"farm-ledger/internal/models"
	"farm-ledger/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the write side of the broker
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// EventPublisher forwards committed ledger events to the broker
type EventPublisher struct {
	producer Publisher
	timeout  time.Duration
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		timeout:  10 * time.Second,
		logger:   util.GetLogger(),
	}
}

// EventKey partitions events so that everything about one product, or one
// farmer's balance, is consumed in log order
func EventKey(event *models.LedgerEvent) string {
	var ref struct {
		ProductID *uint64 `json:"product_id"`
		Address   string  `json:"address"`
		Owner     string  `json:"owner"`
	}
	_ = json.Unmarshal(event.Payload, &ref)

	switch {
	case ref.ProductID != nil:
		return fmt.Sprintf("product-%d", *ref.ProductID)
	case ref.Address != "":
		return "farmer-" + ref.Address
	case ref.Owner != "":
		return "farmer-" + ref.Owner
	}
	return "ledger"
}

// Message encodes one event for the broker
func Message(event *models.LedgerEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(EventKey(event)),
		Value: value,
		Time:  event.Timestamp,
	}, nil
}

// PublishEvents writes events to the broker in sequence order
func (ep *EventPublisher) PublishEvents(ctx context.Context, events []models.LedgerEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		msg, err := Message(&events[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := ep.producer.Publish(ctx, msgs...); err != nil {
		return err
	}
	for i := range events {
		util.EventsPublishedTotal.WithLabelValues(events[i].EventType).Inc()
	}
	return nil
}

// OnCommit is a chain.CommitHook. A failed publish is logged; the journal
// can be rebuilt from the node's event log.
func (ep *EventPublisher) OnCommit(ctx context.Context, block chain.Block) {
	if len(block.Events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ep.timeout)
	defer cancel()

	if err := ep.PublishEvents(ctx, block.Events); err != nil {
		ep.logger.Error("Failed to publish block events",
			zap.Uint64("height", block.Height),
			zap.Int("events", len(block.Events)),
			zap.Error(err))
	}
}

// EventFunc handles one decoded ledger event
type EventFunc func(context.Context, *models.LedgerEvent) error

// EventHandler routes incoming messages by event type
type EventHandler struct {
	handlers map[string]EventFunc
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]EventFunc),
		logger:   util.GetLogger(),
	}
}

// On registers fn for the given event types
func (eh *EventHandler) On(fn EventFunc, eventTypes ...string) {
	for _, t := range eventTypes {
		eh.handlers[t] = fn
	}
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.LedgerEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// a malformed message can never succeed, so it is dropped
		eh.logger.Error("Dropping undecodable message",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.Uint64("sequence", event.Sequence))

	fn, ok := eh.handlers[event.EventType]
	if !ok {
		eh.logger.Warn("Unhandled event type", zap.String("event_type", event.EventType))
		return nil
	}
	return fn(ctx, &event)
}
