// Package inventory answers whether a product can be supplied, and from which
// batch, and performs the one irreversible stock mutation.
package inventory

import (
	"context"
	"fmt"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the persistence the ledger needs.
//
// DecrementBatch must be a single conditional update at the storage layer:
// it subtracts quantity only if the batch still holds at least that much,
// otherwise it fails with a stock_conflict error and changes nothing. On
// success the product's aggregate stock is recomputed before it returns.
type Store interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	DecrementBatch(ctx context.Context, batchID int64, quantity int) (*models.Batch, error)
}

type Supply struct {
	Product *models.Product
	Batch   models.Batch
}

type Ledger struct {
	store  Store
	tracer trace.Tracer
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, tracer: otel.Tracer("inventory")}
}

// SelectBatch returns the first batch, in the order given, that can cover the
// whole quantity. A line is never split across batches.
func SelectBatch(batches []models.Batch, quantity int) (models.Batch, bool) {
	for _, b := range batches {
		if b.Stock >= quantity {
			return b, true
		}
	}
	return models.Batch{}, false
}

func (l *Ledger) FindSupplyingBatch(ctx context.Context, productID int64, quantity int) (*Supply, error) {
	if quantity <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "quantity for product %d must be greater than zero", productID)
	}

	product, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindProductNotFound {
			return nil, apperr.ProductNotFound(productID)
		}
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}

	batch, ok := SelectBatch(product.Batches, quantity)
	if !ok {
		return nil, apperr.InsufficientStock(productID)
	}

	return &Supply{Product: product, Batch: batch}, nil
}

func (l *Ledger) Decrement(ctx context.Context, batchID int64, quantity int) (*models.Batch, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.Decrement",
		trace.WithAttributes(
			attribute.Int64("batch.id", batchID),
			attribute.Int("quantity", quantity),
		),
	)
	defer span.End()

	if quantity <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "decrement quantity must be greater than zero")
	}

	batch, err := l.store.DecrementBatch(ctx, batchID, quantity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return batch, nil
}

func (l *Ledger) GetProduct(ctx context.Context, productID int64) (*models.Product, error) {
	product, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindProductNotFound {
			return nil, apperr.ProductNotFound(productID)
		}
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}
	return product, nil
}
