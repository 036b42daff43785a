// Package memory is an in-process store with the same contract as the
// Postgres store. Every method takes the lock for its own duration only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu sync.Mutex

	products   map[int64]*models.Product
	batches    map[int64]*models.Batch
	orders     map[int64]*models.Order
	byExternal map[string]int64
	payments   []models.Payment
	shortfalls []models.StockShortfall

	nextID int64
	now    func() time.Time
}

func New() *Store {
	return &Store{
		products:   make(map[int64]*models.Product),
		batches:    make(map[int64]*models.Batch),
		orders:     make(map[int64]*models.Order),
		byExternal: make(map[string]int64),
		now:        time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateProduct(_ context.Context, name string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := &models.Product{ID: s.id(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.products[p.ID] = p
	return cloneProduct(p, nil), nil
}

func (s *Store) CreateBatch(_ context.Context, productID int64, nb store.NewBatch) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return nil, database.ErrProductNotFound
	}
	for _, b := range s.batches {
		if b.Code == nb.Code {
			return nil, database.ErrDuplicate
		}
	}

	b := &models.Batch{
		ID:             s.id(),
		ProductID:      productID,
		Code:           nb.Code,
		ProductionDate: nb.ProductionDate,
		Quality:        nb.Quality,
		UnitPrice:      nb.UnitPrice,
		Discount:       nb.Discount,
		FinalPrice:     models.ComputeFinalPrice(nb.UnitPrice, nb.Discount),
		Stock:          nb.Stock,
		Position:       nb.Position,
		UpdatedAt:      s.now(),
	}
	s.batches[b.ID] = b
	s.recomputeAggregate(productID)

	out := *b
	return &out, nil
}

// RepriceBatch stands in for a catalog edit: it changes a batch's price and
// recomputes its final price. Existing orders keep the price they were
// created with.
func (s *Store) RepriceBatch(_ context.Context, batchID int64, unitPrice, discount decimal.Decimal) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, database.ErrBatchNotFound
	}
	b.UnitPrice = unitPrice
	b.Discount = discount
	b.FinalPrice = models.ComputeFinalPrice(unitPrice, discount)
	b.UpdatedAt = s.now()

	out := *b
	return &out, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, database.ErrProductNotFound
	}
	return cloneProduct(p, s.batchesOf(id)), nil
}

func (s *Store) ListProducts(_ context.Context, page, pageSize int) (*store.OffsetPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.products))
	for id := range s.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start := (page - 1) * pageSize
	var products []models.Product
	for i := start; i >= 0 && i < len(ids) && i < start+pageSize; i++ {
		products = append(products, *cloneProduct(s.products[ids[i]], nil))
	}
	return store.NewOffsetPage(products, int64(len(ids)), page, pageSize), nil
}

// DecrementBatch is the check-and-set the Postgres store does with a
// conditional UPDATE.
func (s *Store) DecrementBatch(_ context.Context, batchID int64, quantity int) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, database.ErrBatchNotFound
	}
	if b.Stock < quantity {
		return nil, database.ErrStockConflict
	}

	b.Stock -= quantity
	b.UpdatedAt = s.now()
	s.recomputeAggregate(b.ProductID)

	out := *b
	return &out, nil
}

func (s *Store) batchesOf(productID int64) []models.Batch {
	var out []models.Batch
	for _, b := range s.batches {
		if b.ProductID == productID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) recomputeAggregate(productID int64) {
	p, ok := s.products[productID]
	if !ok {
		return
	}
	total := 0
	for _, b := range s.batches {
		if b.ProductID == productID {
			total += b.Stock
		}
	}
	p.AggregateStock = total
	p.UpdatedAt = s.now()
}

func cloneProduct(p *models.Product, batches []models.Batch) *models.Product {
	out := *p
	out.Batches = batches
	return &out
}
