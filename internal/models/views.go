package models

import "github.com/shopspring/decimal"

// JournalEntry is a ledger event as persisted by the projector
type JournalEntry struct {
	Sequence  uint64 `db:"sequence" json:"sequence"`
	EventID   string `db:"event_id" json:"event_id"`
	EventType string `db:"event_type" json:"event_type"`
	TxHash    string `db:"tx_hash" json:"tx_hash"`
	Height    uint64 `db:"height" json:"height"`
	Payload   string `db:"payload" json:"payload"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// FarmerView is the read-model row for a farmer
type FarmerView struct {
	Address      string          `db:"address" json:"address"`
	ProductCount int64           `db:"product_count" json:"product_count"`
	Pending      decimal.Decimal `db:"pending" json:"pending"`
	Withdrawn    decimal.Decimal `db:"withdrawn" json:"withdrawn"`
	Earned       decimal.Decimal `db:"earned" json:"earned"`
	JoinedAt     int64           `db:"joined_at" json:"joined_at"`
}

// ProductView is the read-model row for a product
type ProductView struct {
	ID        uint64          `db:"id" json:"id"`
	Owner     string          `db:"owner" json:"owner"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     decimal.Decimal `db:"stock" json:"stock"`
	Sold      decimal.Decimal `db:"sold" json:"sold"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// WithdrawalView records one withdrawal
type WithdrawalView struct {
	EventID  string          `db:"event_id" json:"event_id"`
	Owner    string          `db:"owner" json:"owner"`
	Amount   decimal.Decimal `db:"amount" json:"amount"`
	TxHash   string          `db:"tx_hash" json:"tx_hash"`
	Sequence uint64          `db:"sequence" json:"sequence"`
}
