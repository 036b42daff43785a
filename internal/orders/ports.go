// Package orders builds payable orders from a cart and manages their
// lifecycle after creation.
package orders

import (
	"context"
	"time"

	"github.com/safar/storefront-fulfilment/internal/inventory"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
)

type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	AttachPaymentIntent(ctx context.Context, orderID int64, payment *models.Payment) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) (*store.CursorPage, error)
	// TransitionStatus changes status only if the order is still in from.
	TransitionStatus(ctx context.Context, id int64, from, to models.OrderStatus) (*models.Order, error)
	CancelOrphans(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	ListShortfalls(ctx context.Context, orderID int64) ([]models.StockShortfall, error)
}

type Ledger interface {
	FindSupplyingBatch(ctx context.Context, productID int64, quantity int) (*inventory.Supply, error)
}

// StockApplier takes a just-paid order's lines out of stock.
type StockApplier interface {
	ApplyStock(ctx context.Context, order *models.Order) ([]models.StockShortfall, error)
}

// StockResumer finishes stock application for paid orders whose marker has
// been set since before cutoff.
type StockResumer interface {
	ResumeStock(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
