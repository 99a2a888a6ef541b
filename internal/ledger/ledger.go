package ledger

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"time"

	"farm-ledger/internal/models"
)

// Payout moves withdrawn value to an external account. It is invoked only
// after the ledger has already zeroed the balance being paid out.
type Payout interface {
	Transfer(to string, amount uint64) error
}

// PayoutFunc adapts a function to Payout
type PayoutFunc func(to string, amount uint64) error

// Transfer calls f
func (f PayoutFunc) Transfer(to string, amount uint64) error {
	return f(to, amount)
}

// Charge collects a purchase's paid value from the buyer's external
// account. It runs after every purchase precondition has passed and before
// the ledger mutates anything; an error aborts the purchase unchanged.
type Charge interface {
	Debit(from string, amount uint64) error
}

// ChargeFunc adapts a function to Charge
type ChargeFunc func(from string, amount uint64) error

// Debit calls f
func (f ChargeFunc) Debit(from string, amount uint64) error {
	return f(from, amount)
}

// TxContext identifies the transaction whose events are being emitted
type TxContext struct {
	Hash   string
	Height uint64
}

// Ledger applies the marketplace transitions to a Store and records an
// event for each accepted one.
type Ledger struct {
	store  *Store
	events *EventLog
	payout Payout
	charge Charge
	tx     TxContext
}

// Option configures a Ledger
type Option func(*Ledger)

// WithPayout sets the hook used by WithdrawBalance
func WithPayout(p Payout) Option {
	return func(l *Ledger) { l.payout = p }
}

// WithCharge sets the hook used by Purchase to collect the paid value
func WithCharge(c Charge) Option {
	return func(l *Ledger) { l.charge = c }
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.events.now = now }
}

// New creates a ledger over store
func New(store *Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		events: NewEventLog(),
		payout: PayoutFunc(func(string, uint64) error { return nil }),
		charge: ChargeFunc(func(string, uint64) error { return nil }),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store
func (l *Ledger) Store() *Store {
	return l.store
}

// Events returns the event log
func (l *Ledger) Events() *EventLog {
	return l.events
}

// Execute runs fn with tx as the current transaction and returns the events
// it emitted. Operations emit only on success, so a failing fn returns none.
func (l *Ledger) Execute(tx TxContext, fn func(*Ledger) error) ([]models.LedgerEvent, error) {
	prev := l.tx
	l.tx = tx
	defer func() { l.tx = prev }()

	start := l.events.Len()
	if err := fn(l); err != nil {
		return nil, err
	}
	return l.events.from(start), nil
}

// RegisterFarmer creates an empty farmer record for caller
func (l *Ledger) RegisterFarmer(caller string) error {
	if _, ok := l.store.farmer(caller); ok {
		return models.NewError(models.ReasonAlreadyRegistered, "farmer %s already registered", caller)
	}

	payload, err := encode(models.FarmerJoined{Address: caller})
	if err != nil {
		return err
	}

	l.store.farmers[caller] = &farmerRecord{products: []uint64{}}
	l.events.append(l.tx, models.EventTypeFarmerJoined, payload)
	return nil
}

// AddProduct lists a new product owned by owner and returns its id
func (l *Ledger) AddProduct(owner string, price, stock uint64) (uint64, error) {
	f, ok := l.store.farmer(owner)
	if !ok {
		return 0, models.NewError(models.ReasonNotAFarmer, "%s is not a registered farmer", owner)
	}
	if price == 0 {
		return 0, models.NewError(models.ReasonInvalidPrice, "price must be greater than zero")
	}
	if stock == 0 {
		return 0, models.NewError(models.ReasonInvalidStock, "stock must be greater than zero")
	}

	id := l.store.nextProductID()
	payload, err := encode(models.ProductCreated{ProductID: id, Price: price, Owner: owner, Stock: stock})
	if err != nil {
		return 0, err
	}

	l.store.products = append(l.store.products, models.Product{ID: id, Price: price, Owner: owner, Stock: stock})
	f.products = append(f.products, id)
	l.events.append(l.tx, models.EventTypeProductCreated, payload)
	return id, nil
}

// UpdateStock replaces the stock of a product owned by caller
func (l *Ledger) UpdateStock(caller string, productID, newStock uint64) error {
	p, err := l.ownedProduct(caller, productID)
	if err != nil {
		return err
	}
	if newStock == 0 {
		return models.NewError(models.ReasonInvalidStock, "stock must be greater than zero")
	}

	payload, err := encode(models.StockUpdated{Stock: newStock, ProductID: productID})
	if err != nil {
		return err
	}

	p.Stock = newStock
	l.events.append(l.tx, models.EventTypeStockUpdated, payload)
	return nil
}

// IncreasePrice replaces the price of a product owned by caller. Only
// newPrice > 0 is enforced; lowering the price is accepted.
func (l *Ledger) IncreasePrice(caller string, productID, newPrice uint64) error {
	p, err := l.ownedProduct(caller, productID)
	if err != nil {
		return err
	}
	if newPrice == 0 {
		return models.NewError(models.ReasonInvalidPrice, "price must be greater than zero")
	}

	payload, err := encode(models.PriceIncreased{Price: newPrice, ProductID: productID})
	if err != nil {
		return err
	}

	p.Price = newPrice
	l.events.append(l.tx, models.EventTypePriceIncreased, payload)
	return nil
}

// Purchase buys amount units of a product. The whole paidValue is credited
// to the owner's pending balance, including any overpayment.
func (l *Ledger) Purchase(buyer string, productID, amount, paidValue uint64) (*models.PurchaseInfo, error) {
	p, ok := l.store.product(productID)
	if !ok {
		return nil, models.NewError(models.ReasonProductNotFound, "product %d not found", productID)
	}
	if buyer == p.Owner {
		return nil, models.NewError(models.ReasonSelfPurchase, "owner cannot buy own product %d", productID)
	}
	if amount == 0 {
		return nil, models.NewError(models.ReasonInvalidAmount, "amount must be greater than zero")
	}

	hi, cost := bits.Mul64(p.Price, amount)
	if hi != 0 || paidValue < cost {
		return nil, models.NewError(models.ReasonInsufficientFunds,
			"paid %d, required %d x %d", paidValue, p.Price, amount)
	}
	if amount > p.Stock {
		return nil, models.NewError(models.ReasonInsufficientStock,
			"requested %d, available %d", amount, p.Stock)
	}

	owner, ok := l.store.farmer(p.Owner)
	if !ok {
		return nil, fmt.Errorf("product %d owner %s has no farmer record", productID, p.Owner)
	}
	credited, carry := bits.Add64(owner.balance, paidValue, 0)
	if carry != 0 {
		return nil, models.NewError(models.ReasonBalanceOverflow, "balance of %s would overflow", p.Owner)
	}

	info := &models.PurchaseInfo{
		ProductID: productID,
		Buyer:     buyer,
		Owner:     p.Owner,
		Amount:    amount,
		Value:     paidValue,
	}
	payload, err := encode(models.ProductBought(*info))
	if err != nil {
		return nil, err
	}
	if err := l.charge.Debit(buyer, paidValue); err != nil {
		return nil, err
	}

	p.Stock -= amount
	owner.balance = credited
	l.events.append(l.tx, models.EventTypeProductBought, payload)
	return info, nil
}

// WithdrawBalance pays out caller's pending balance and returns the amount.
// The balance is zeroed before the payout hook runs, so a recipient that
// re-enters WithdrawBalance during the transfer sees nothing left to take.
func (l *Ledger) WithdrawBalance(caller string) (uint64, error) {
	f, ok := l.store.farmer(caller)
	if !ok || f.balance == 0 {
		return 0, models.NewError(models.ReasonNoBalance, "no pending balance for %s", caller)
	}

	amount := f.balance
	payload, err := encode(models.BalanceWithdrawn{Amount: amount, Owner: caller})
	if err != nil {
		return 0, err
	}

	f.balance = 0
	if err := l.payout.Transfer(caller, amount); err != nil {
		f.balance += amount
		return 0, models.NewError(models.ReasonTransferFailed, "payout to %s failed: %v", caller, err)
	}

	l.events.append(l.tx, models.EventTypeBalanceWithdrawn, payload)
	return amount, nil
}

// WhoFarmer returns the farmer record for address
func (l *Ledger) WhoFarmer(address string) (models.Farmer, error) {
	f, ok := l.store.Farmer(address)
	if !ok {
		return models.Farmer{}, models.NewError(models.ReasonFarmerNotFound, "farmer %s not found", address)
	}
	return f, nil
}

// ViewProducts returns every product owned by owner, in creation order
func (l *Ledger) ViewProducts(owner string) []models.Product {
	return l.store.ProductsOf(owner)
}

// GetProduct returns a single product
func (l *Ledger) GetProduct(id uint64) (models.Product, error) {
	p, ok := l.store.Product(id)
	if !ok {
		return models.Product{}, models.NewError(models.ReasonProductNotFound, "product %d not found", id)
	}
	return p, nil
}

func (l *Ledger) ownedProduct(caller string, productID uint64) (*models.Product, error) {
	p, ok := l.store.product(productID)
	if !ok {
		return nil, models.NewError(models.ReasonProductNotFound, "product %d not found", productID)
	}
	if p.Owner != caller {
		return nil, models.NewError(models.ReasonNotOwner, "%s does not own product %d", caller, productID)
	}
	return p, nil
}

func encode(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return b, nil
}
