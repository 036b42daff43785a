package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, stocks ...int) (*models.Product, []*models.Batch) {
	t.Helper()
	ctx := context.Background()

	p, err := s.CreateProduct(ctx, "Darjeeling first flush")
	require.NoError(t, err)

	var batches []*models.Batch
	for i, stock := range stocks {
		b, err := s.CreateBatch(ctx, p.ID, store.NewBatch{
			Code:           "B-" + string(rune('A'+i)),
			ProductionDate: time.Date(2026, 3, i+1, 0, 0, 0, 0, time.UTC),
			UnitPrice:      decimal.RequireFromString("12.50"),
			Discount:       decimal.RequireFromString("2.50"),
			Stock:          stock,
			Position:       i,
		})
		require.NoError(t, err)
		batches = append(batches, b)
	}
	return p, batches
}

func TestGetProductOrdersBatchesAndAggregates(t *testing.T) {
	s := New()
	p, batches := seed(t, s, 3, 0, 7)

	got, err := s.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, 10, got.AggregateStock)
	require.Len(t, got.Batches, 3)
	assert.Equal(t, batches[0].ID, got.Batches[0].ID)
	assert.True(t, got.Batches[0].FinalPrice.Equal(decimal.RequireFromString("10")))

	_, err = s.GetProduct(context.Background(), 999)
	assert.ErrorIs(t, err, database.ErrProductNotFound)
}

func TestDecrementBatchIsConditional(t *testing.T) {
	s := New()
	p, batches := seed(t, s, 5)
	ctx := context.Background()

	b, err := s.DecrementBatch(ctx, batches[0].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Stock)

	_, err = s.DecrementBatch(ctx, batches[0].ID, 3)
	assert.ErrorIs(t, err, database.ErrStockConflict)
	assert.Equal(t, apperr.KindStockConflict, apperr.KindOf(err))

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AggregateStock)
	assert.Equal(t, 2, got.Batches[0].Stock)

	_, err = s.DecrementBatch(ctx, 12345, 1)
	assert.ErrorIs(t, err, database.ErrBatchNotFound)
	assert.NotErrorIs(t, err, database.ErrProductNotFound)
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := New()
	p, batches := seed(t, s, 10)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementBatch(ctx, batches[0].ID, 1); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded.Load())
	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AggregateStock)
}

func newOrder(userID string) *models.Order {
	return &models.Order{
		UserID:  userID,
		Address: "12 Park Street",
		Phone:   "+91 98300 00000",
		Lines: []models.OrderLine{
			{ProductID: 1, ProductName: "Tea", BatchID: 2, UnitPrice: decimal.NewFromInt(10), Quantity: 2},
		},
		TotalPrice: decimal.NewFromInt(20),
	}
}

func TestOrderPaymentFlow(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.NotEmpty(t, o.OrderNumber)

	o, err = s.AttachPaymentIntent(ctx, o.ID, &models.Payment{ExternalOrderID: "order_x", Amount: o.TotalPrice, Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, "order_x", o.ExternalOrderID)

	_, err = s.AttachPaymentIntent(ctx, o.ID, &models.Payment{ExternalOrderID: "order_y"})
	assert.ErrorIs(t, err, database.ErrStatusConflict)

	conf := models.PaymentConfirmation{ExternalOrderID: "order_x", ExternalPaymentID: "pay_1", Signature: "sig"}
	paid, outcome, err := s.MarkPaid(ctx, conf, "INR")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApplied, outcome)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	assert.Equal(t, "pay_1", paid.PaymentID)

	_, outcome, err = s.MarkPaid(ctx, conf, "INR")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentAlreadyApplied, outcome)

	payments, err := s.ListPayments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)

	_, _, err = s.MarkPaid(ctx, models.PaymentConfirmation{ExternalOrderID: "nope"}, "INR")
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestMarkPaidOnCancelledOrderRecordsPaymentOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)
	_, err = s.AttachPaymentIntent(ctx, o.ID, &models.Payment{ExternalOrderID: "order_c", Amount: o.TotalPrice, Currency: "INR"})
	require.NoError(t, err)
	_, err = s.TransitionStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	require.NoError(t, err)

	got, outcome, err := s.MarkPaid(ctx, models.PaymentConfirmation{ExternalOrderID: "order_c", ExternalPaymentID: "pay_c"}, "INR")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentNotPayable, outcome)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	payments, err := s.ListPayments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)
}

func TestMarkFailedOnlyFailsPendingOrders(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)
	_, err = s.AttachPaymentIntent(ctx, o.ID, &models.Payment{ExternalOrderID: "order_f", Amount: o.TotalPrice, Currency: "INR"})
	require.NoError(t, err)

	got, err := s.MarkFailed(ctx, models.PaymentConfirmation{ExternalOrderID: "order_f", ExternalPaymentID: "pay_f"}, "INR")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, got.Status)

	payments, err := s.ListPayments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, "pay_f", payments[0].ExternalPaymentID)
}

func TestListOrdersPagesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	clock := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		o, err := s.CreateOrder(ctx, newOrder("u1"))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	_, err := s.CreateOrder(ctx, newOrder("u2"))
	require.NoError(t, err)

	page, err := s.ListOrders(ctx, store.OrderFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[4], page.Items[0].ID)
	assert.Equal(t, ids[3], page.Items[1].ID)

	page, err = s.ListOrders(ctx, store.OrderFilter{UserID: "u1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, ids[2], page.Items[0].ID)

	page, err = s.ListOrders(ctx, store.OrderFilter{UserID: "u1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	all, err := s.ListOrders(ctx, store.OrderFilter{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, all.Items, 6)

	_, err = s.ListOrders(ctx, store.OrderFilter{Cursor: "%%%"})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
}

func TestCancelOrphansSkipsOrdersWithIntent(t *testing.T) {
	s := New()
	ctx := context.Background()

	orphan, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)
	withIntent, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)
	_, err = s.AttachPaymentIntent(ctx, withIntent.ID, &models.Payment{ExternalOrderID: "order_i"})
	require.NoError(t, err)

	ids, err := s.CancelOrphans(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{orphan.ID}, ids)

	got, err := s.GetOrder(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	ids, err = s.CancelOrphans(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecordShortfallsFlagsOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newOrder("u1"))
	require.NoError(t, err)

	err = s.RecordShortfalls(ctx, o.ID, []models.StockShortfall{{ProductID: 1, BatchID: 2, Quantity: 2, Reason: "insufficient_stock"}})
	require.NoError(t, err)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.StockShortfall)

	rows, err := s.ListShortfalls(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, o.ID, rows[0].OrderID)

	assert.ErrorIs(t, s.RecordShortfalls(ctx, 404, nil), database.ErrOrderNotFound)
}
