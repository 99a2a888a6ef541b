package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	EventTypeFarmerJoined     = "FARMER_JOINED"
	EventTypeProductCreated   = "PRODUCT_CREATED"
	EventTypeStockUpdated     = "STOCK_UPDATED"
	EventTypePriceIncreased   = "PRICE_INCREASED"
	EventTypeProductBought    = "PRODUCT_BOUGHT"
	EventTypeBalanceWithdrawn = "BALANCE_WITHDRAWN"
)

// EventTypes lists every event the ledger emits
var EventTypes = []string{
	EventTypeFarmerJoined,
	EventTypeProductCreated,
	EventTypeStockUpdated,
	EventTypePriceIncreased,
	EventTypeProductBought,
	EventTypeBalanceWithdrawn,
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// LedgerEvent is one entry of the append-only event log. Sequence is
// assigned by the log and is strictly increasing in acceptance order.
type LedgerEvent struct {
	BaseEvent
	Sequence uint64          `json:"sequence"`
	Height   uint64          `json:"height"`
	TxHash   string          `json:"tx_hash,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into one of the typed event structs
func (e LedgerEvent) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Clone returns a copy that shares no memory with e
func (e LedgerEvent) Clone() LedgerEvent {
	c := e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return c
}

// FarmerJoined is emitted by registerFarmer
type FarmerJoined struct {
	Address string `json:"address"`
}

// ProductCreated is emitted by addProduct
type ProductCreated struct {
	ProductID uint64 `json:"product_id"`
	Price     uint64 `json:"price"`
	Owner     string `json:"owner"`
	Stock     uint64 `json:"stock"`
}

// StockUpdated is emitted by updateStock
type StockUpdated struct {
	Stock     uint64 `json:"stock"`
	ProductID uint64 `json:"product_id"`
}

// PriceIncreased is emitted by increasePrice
type PriceIncreased struct {
	Price     uint64 `json:"price"`
	ProductID uint64 `json:"product_id"`
}

// ProductBought is emitted by purchase
type ProductBought struct {
	ProductID uint64 `json:"product_id"`
	Buyer     string `json:"buyer"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Value     uint64 `json:"value"`
}

// BalanceWithdrawn is emitted by withdrawBalance
type BalanceWithdrawn struct {
	Amount uint64 `json:"amount"`
	Owner  string `json:"owner"`
}
