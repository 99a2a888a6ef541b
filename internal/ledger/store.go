// Package ledger holds the authoritative marketplace state (farmers, products
// and escrowed balances) and the transitions that mutate it. Nothing in this
// package locks or performs I/O: the hosting execution environment applies
// one transition at a time, and every transition either fully applies or
// leaves the store untouched.
package ledger

import (
	"farm-ledger/internal/models"
)

type farmerRecord struct {
	products []uint64
	balance  uint64
}

// Store is the canonical record set. Products live in an arena indexed by
// id-1, so ids are dense, start at 1 and are never reused.
type Store struct {
	farmers  map[string]*farmerRecord
	products []models.Product
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		farmers: make(map[string]*farmerRecord),
	}
}

func (s *Store) farmer(address string) (*farmerRecord, bool) {
	f, ok := s.farmers[address]
	return f, ok
}

func (s *Store) product(id uint64) (*models.Product, bool) {
	if id == 0 || id > uint64(len(s.products)) {
		return nil, false
	}
	return &s.products[id-1], true
}

func (s *Store) nextProductID() uint64 {
	return uint64(len(s.products)) + 1
}

// Farmer returns a copy of the farmer record for address
func (s *Store) Farmer(address string) (models.Farmer, bool) {
	f, ok := s.farmers[address]
	if !ok {
		return models.Farmer{}, false
	}
	return models.Farmer{
		Address:  address,
		Products: append([]uint64{}, f.products...),
		Balance:  f.balance,
		Exists:   true,
	}, true
}

// Product returns a copy of the product record
func (s *Store) Product(id uint64) (models.Product, bool) {
	p, ok := s.product(id)
	if !ok {
		return models.Product{}, false
	}
	return *p, true
}

// ProductsOf returns the owner's products in creation order
func (s *Store) ProductsOf(address string) []models.Product {
	f, ok := s.farmers[address]
	if !ok {
		return []models.Product{}
	}
	out := make([]models.Product, 0, len(f.products))
	for _, id := range f.products {
		if p, ok := s.product(id); ok {
			out = append(out, *p)
		}
	}
	return out
}

// FarmerCount returns the number of registered farmers
func (s *Store) FarmerCount() int {
	return len(s.farmers)
}

// ProductCount returns the number of products ever created
func (s *Store) ProductCount() int {
	return len(s.products)
}

// TotalPending sums every farmer's escrowed balance
func (s *Store) TotalPending() uint64 {
	var total uint64
	for _, f := range s.farmers {
		total += f.balance
	}
	return total
}

// Snapshot is a deep copy of the store used to compare states
type Snapshot struct {
	Farmers  map[string]models.Farmer
	Products []models.Product
}

// Snapshot copies the whole store
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Farmers:  make(map[string]models.Farmer, len(s.farmers)),
		Products: append([]models.Product{}, s.products...),
	}
	for addr := range s.farmers {
		f, _ := s.Farmer(addr)
		snap.Farmers[addr] = f
	}
	return snap
}
