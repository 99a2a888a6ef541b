package models

// Farmer represents a registered seller on the ledger
type Farmer struct {
	Address  string   `db:"address" json:"address"`
	Products []uint64 `db:"-" json:"products"`
	Balance  uint64   `db:"balance" json:"balance"`
	Exists   bool     `db:"-" json:"exists"`
}

// Product represents a priced, stocked listing owned by a farmer
type Product struct {
	ID    uint64 `db:"id" json:"id"`
	Price uint64 `db:"price" json:"price"`
	Owner string `db:"owner" json:"owner"`
	Stock uint64 `db:"stock" json:"stock"`
}

// Ledger operation names, as they appear in the transaction envelope
const (
	OpRegisterFarmer  = "registerFarmer"
	OpAddProduct      = "addProduct"
	OpUpdateStock     = "updateStock"
	OpIncreasePrice   = "increasePrice"
	OpPurchase        = "purchase"
	OpWithdrawBalance = "withdrawBalance"
)

// Receipt statuses
const (
	TxStatusPending  = "PENDING"
	TxStatusSuccess  = "SUCCESS"
	TxStatusRejected = "REJECTED"
)

// Receipt is the final outcome of a submitted transaction
type Receipt struct {
	TxHash    string        `json:"tx_hash"`
	Op        string        `json:"op"`
	From      string        `json:"from"`
	Height    uint64        `json:"height"`
	Index     int           `json:"index"`
	Status    string        `json:"status"`
	Reason    Reason        `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
	ProductID uint64        `json:"product_id,omitempty"`
	Withdrawn uint64        `json:"withdrawn,omitempty"`
	Purchase  *PurchaseInfo `json:"purchase,omitempty"`
	Events    []LedgerEvent `json:"events,omitempty"`
}

// Succeeded reports whether the transaction was applied
func (r *Receipt) Succeeded() bool {
	return r.Status == TxStatusSuccess
}

// Err returns the ledger rejection carried by a rejected receipt
func (r *Receipt) Err() error {
	if r.Status != TxStatusRejected {
		return nil
	}
	return &LedgerError{Reason: r.Reason, Message: r.Message}
}

// PurchaseInfo identifies the parties of an accepted purchase
type PurchaseInfo struct {
	ProductID uint64 `json:"product_id"`
	Buyer     string `json:"buyer"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Value     uint64 `json:"value"`
}
