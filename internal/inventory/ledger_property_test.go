//go:build property
// +build property

package inventory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/safar/storefront-fulfilment/internal/inventory"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/safar/storefront-fulfilment/internal/store/memory"
	"github.com/shopspring/decimal"
)

// TestSelectBatchIsFirstFit verifies the chosen batch covers the whole
// quantity and no earlier batch could have.
func TestSelectBatchIsFirstFit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("selected batch is the first that fits", prop.ForAll(
		func(stocks []int, quantity int) bool {
			batches := make([]models.Batch, len(stocks))
			for i, s := range stocks {
				batches[i] = models.Batch{ID: int64(i + 1), Stock: s}
			}

			chosen, ok := inventory.SelectBatch(batches, quantity)
			for i, b := range batches {
				if b.Stock >= quantity {
					return ok && chosen.ID == batches[i].ID
				}
			}
			return !ok
		},
		gen.SliceOf(gen.IntRange(0, 50)),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

// TestConcurrentDecrementsNeverOversell runs random demand against random
// stock. Property: units sold never exceed units stocked, and every batch
// ends at stock minus what was sold from it.
func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("stock never goes negative under concurrency", prop.ForAll(
		func(stocks []int, demands []int) bool {
			ctx := context.Background()
			s := memory.New()
			p, err := s.CreateProduct(ctx, "prop")
			if err != nil {
				return false
			}
			total := 0
			for i, stock := range stocks {
				_, err := s.CreateBatch(ctx, p.ID, store.NewBatch{
					Code:           string(rune('a' + i)),
					ProductionDate: time.Now(),
					UnitPrice:      decimal.NewFromInt(1),
					Stock:          stock,
					Position:       i,
				})
				if err != nil {
					return false
				}
				total += stock
			}

			ledger := inventory.NewLedger(s)
			var (
				mu   sync.Mutex
				sold int
				wg   sync.WaitGroup
			)
			for _, d := range demands {
				wg.Add(1)
				go func(qty int) {
					defer wg.Done()
					supply, err := ledger.FindSupplyingBatch(ctx, p.ID, qty)
					if err != nil {
						return
					}
					if _, err := ledger.Decrement(ctx, supply.Batch.ID, qty); err != nil {
						return
					}
					mu.Lock()
					sold += qty
					mu.Unlock()
				}(d)
			}
			wg.Wait()

			after, err := s.GetProduct(ctx, p.ID)
			if err != nil {
				return false
			}
			for _, b := range after.Batches {
				if b.Stock < 0 {
					return false
				}
			}
			return sold <= total && after.AggregateStock == total-sold
		},
		gen.SliceOfN(4, gen.IntRange(0, 20)),
		gen.SliceOf(gen.IntRange(1, 8)),
	))

	properties.TestingRun(t)
}
