package payment

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/inventory"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/safar/storefront-fulfilment/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret        = "rzp_secret"
	testWebhookSecret = "whsec"
)

type fixture struct {
	store      *memory.Store
	ledger     *inventory.Ledger
	recorder   *events.Recorder
	reconciler *Reconciler
	signer     *Signer
	product    *models.Product
	batch      *models.Batch
}

func newFixture(t *testing.T, stock int) *fixture {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	p, err := s.CreateProduct(ctx, "Nilgiri frost")
	require.NoError(t, err)
	b, err := s.CreateBatch(ctx, p.ID, store.NewBatch{
		Code:           "NIL-1",
		ProductionDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		UnitPrice:      decimal.NewFromInt(100),
		Discount:       decimal.NewFromInt(10),
		Stock:          stock,
	})
	require.NoError(t, err)

	ledger := inventory.NewLedger(s)
	rec := &events.Recorder{}
	r := NewReconciler(s, ledger, ReconcilerConfig{
		Secret:        testSecret,
		WebhookSecret: testWebhookSecret,
		Currency:      "INR",
	}, rec, metrics.New(), zap.NewNop())

	return &fixture{store: s, ledger: ledger, recorder: rec, reconciler: r, signer: NewSigner(testSecret), product: p, batch: b}
}

// placeOrder persists a pending order for qty units with a payment intent.
func (f *fixture) placeOrder(t *testing.T, externalID string, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()

	line := models.OrderLine{ProductID: f.product.ID, ProductName: f.product.Name, BatchID: f.batch.ID, UnitPrice: f.batch.FinalPrice, Quantity: qty}
	o, err := f.store.CreateOrder(ctx, &models.Order{
		UserID:     "u1",
		Address:    "4 Camac Street",
		Phone:      "+91 90000 00000",
		Lines:      []models.OrderLine{line},
		TotalPrice: models.SumLines([]models.OrderLine{line}),
	})
	require.NoError(t, err)

	o, err = f.store.AttachPaymentIntent(ctx, o.ID, &models.Payment{ExternalOrderID: externalID, Amount: o.TotalPrice, Currency: "INR"})
	require.NoError(t, err)
	return o
}

func (f *fixture) confirmation(externalID, paymentID string) models.PaymentConfirmation {
	return models.PaymentConfirmation{
		ExternalOrderID:   externalID,
		ExternalPaymentID: paymentID,
		Signature:         f.signer.Sign(externalID, paymentID),
	}
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), f.product.ID)
	require.NoError(t, err)
	return p.AggregateStock
}

func TestVerifyAndApplyPaysAndDecrementsOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_A", 2)

	res, err := f.reconciler.VerifyAndApply(ctx, f.confirmation("order_A", "pay_A"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.Empty(t, res.Shortfalls)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, "pay_A", res.Order.PaymentID)
	assert.Equal(t, 8, f.stock(t))

	res, err = f.reconciler.VerifyAndApply(ctx, f.confirmation("order_A", "pay_A"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, 8, f.stock(t))

	payments, err := f.store.ListPayments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)

	assert.Equal(t, []string{events.TypeOrderPaid}, f.recorder.Types())
}

func TestVerifyAndApplyRejectsBadSignatureWithoutSideEffects(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_B", 2)

	conf := f.confirmation("order_B", "pay_B")
	conf.Signature = NewSigner("wrong").Sign("order_B", "pay_B")

	_, err := f.reconciler.VerifyAndApply(ctx, conf)
	assert.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Equal(t, 10, f.stock(t))

	payments, err := f.store.ListPayments(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCreated, payments[0].Status)
	assert.Empty(t, f.recorder.Events())
}

func TestVerifyAndApplyValidation(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.reconciler.VerifyAndApply(context.Background(), models.PaymentConfirmation{ExternalOrderID: "x"})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, err = f.reconciler.VerifyAndApply(context.Background(), f.confirmation("order_missing", "pay"))
	assert.Equal(t, apperr.KindOrderNotFound, apperr.KindOf(err))
}

func TestVerifyAndApplyRecordsShortfall(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	order := f.placeOrder(t, "order_C", 3)

	// Someone else takes the stock between checkout and payment.
	_, err := f.store.DecrementBatch(ctx, f.batch.ID, 4)
	require.NoError(t, err)

	res, err := f.reconciler.VerifyAndApply(ctx, f.confirmation("order_C", "pay_C"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.True(t, res.Order.StockShortfall)
	require.Len(t, res.Shortfalls, 1)
	assert.Equal(t, string(apperr.KindInsufficientStock), res.Shortfalls[0].Reason)
	assert.Equal(t, 3, res.Shortfalls[0].Quantity)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.StockShortfall)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, 1, f.stock(t))

	rows, err := f.store.ListShortfalls(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []string{events.TypeStockShortfall, events.TypeOrderPaid}, f.recorder.Types())
}

func TestVerifyAndApplyOnCancelledOrder(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_D", 2)

	_, err := f.store.TransitionStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.reconciler.VerifyAndApply(ctx, f.confirmation("order_D", "pay_D"))
	assert.Equal(t, apperr.KindIllegalTransition, apperr.KindOf(err))

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, 10, f.stock(t))

	payments, err := f.store.ListPayments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)
	assert.Equal(t, "pay_D", payments[0].ExternalPaymentID)
}

func TestConcurrentConfirmationsDecrementOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.placeOrder(t, "order_E", 4)
	conf := f.confirmation("order_E", "pay_E")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.reconciler.VerifyAndApply(ctx, conf)
			if !assert.NoError(t, err) {
				return
			}
			if !res.AlreadyApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 6, f.stock(t))
}

type flakyLedger struct {
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (l *flakyLedger) FindSupplyingBatch(_ context.Context, productID int64, _ int) (*inventory.Supply, error) {
	return &inventory.Supply{Product: &models.Product{ID: productID}, Batch: models.Batch{ID: 77, ProductID: productID}}, nil
}

func (l *flakyLedger) Decrement(_ context.Context, batchID int64, _ int) (*models.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.conflicts {
		return nil, database.ErrStockConflict
	}
	return &models.Batch{ID: batchID}, nil
}

func TestApplyStockRetriesConflictsThenGivesUp(t *testing.T) {
	lines := []models.OrderLine{{ProductID: 5, Quantity: 1}}
	s := memory.New()
	o, err := s.CreateOrder(context.Background(), &models.Order{UserID: "u", Lines: lines})
	require.NoError(t, err)

	retried := &flakyLedger{conflicts: 2}
	r := NewReconciler(s, retried, ReconcilerConfig{Secret: "s"}, events.Nop{}, metrics.New(), zap.NewNop())
	shortfalls, err := r.ApplyStock(context.Background(), o)
	require.NoError(t, err)
	assert.Empty(t, shortfalls)
	assert.Equal(t, 3, retried.calls)

	exhausted := &flakyLedger{conflicts: 10}
	r = NewReconciler(s, exhausted, ReconcilerConfig{Secret: "s"}, events.Nop{}, metrics.New(), zap.NewNop())
	shortfalls, err = r.ApplyStock(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, shortfalls, 1)
	assert.Equal(t, string(apperr.KindStockConflict), shortfalls[0].Reason)
	assert.Equal(t, int64(77), shortfalls[0].BatchID)
	assert.Equal(t, defaultDecrementAttempts, exhausted.calls)
}

type goneBatchLedger struct{ flakyLedger }

func (l *goneBatchLedger) Decrement(context.Context, int64, int) (*models.Batch, error) {
	return nil, database.ErrBatchNotFound
}

func TestApplyStockReportsVanishedBatch(t *testing.T) {
	s := memory.New()
	o, err := s.CreateOrder(context.Background(), &models.Order{UserID: "u", Lines: []models.OrderLine{{ProductID: 5, Quantity: 1}}})
	require.NoError(t, err)

	r := NewReconciler(s, &goneBatchLedger{}, ReconcilerConfig{Secret: "s"}, events.Nop{}, metrics.New(), zap.NewNop())
	shortfalls, err := r.ApplyStock(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, shortfalls, 1)
	assert.Equal(t, string(apperr.KindBatchNotFound), shortfalls[0].Reason)
}

func webhookBody(t *testing.T, event, externalID, paymentID string) []byte {
	t.Helper()
	body, err := json.Marshal(WebhookEvent{Event: event, Payload: WebhookPayment{ExternalOrderID: externalID, ExternalPaymentID: paymentID}})
	require.NoError(t, err)
	return body
}

func TestWebhookPaymentFailed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_F", 1)

	body := webhookBody(t, WebhookPaymentFailed, "order_F", "pay_F")
	out, err := f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, out.Order.Status)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, got.Status)
	assert.Equal(t, []string{events.TypeOrderFailed}, f.recorder.Types())

	// A late capture for a failed order is recorded but refused.
	body = webhookBody(t, WebhookPaymentCaptured, "order_F", "pay_F2")
	_, err = f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	assert.Equal(t, apperr.KindIllegalTransition, apperr.KindOf(err))
	assert.Equal(t, 10, f.stock(t))
}

func TestWebhookPaymentCaptured(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.placeOrder(t, "order_G", 3)

	body := webhookBody(t, WebhookPaymentCaptured, "order_G", "pay_G")
	out, err := f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, models.OrderStatusPaid, out.Result.Order.Status)
	assert.Equal(t, 7, f.stock(t))

	// The client's confirmation arriving afterwards is a no-op.
	res, err := f.reconciler.VerifyAndApply(ctx, f.confirmation("order_G", "pay_G"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, 7, f.stock(t))
}

func TestWebhookRejectsAndIgnores(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	body := webhookBody(t, WebhookPaymentCaptured, "order_H", "pay_H")
	_, err := f.reconciler.HandleWebhook(ctx, body, NewSigner("nope").SignBody(body))
	assert.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))

	body = webhookBody(t, "refund.processed", "order_H", "pay_H")
	out, err := f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	require.NoError(t, err)
	assert.True(t, out.Ignored)

	body = []byte(`{"event":"payment.failed","payload":{}}`)
	_, err = f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	order := f.placeOrder(t, "order_N", 1)
	body = []byte(`{"event":"payment.captured","payload":{"external_order_id":"order_N"}}`)
	_, err = f.reconciler.HandleWebhook(ctx, body, NewSigner(testWebhookSecret).SignBody(body))
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Equal(t, 10, f.stock(t))
}

func TestApplyStockClearsPendingMarker(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_M", 2)

	res, err := f.reconciler.VerifyAndApply(ctx, f.confirmation("order_M", "pay_M"))
	require.NoError(t, err)
	assert.Nil(t, res.Order.StockPendingSince)

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StockPendingSince)
}

func TestResumeStockAfterInterruptedPayment(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	order := f.placeOrder(t, "order_R", 2)
	conf := f.confirmation("order_R", "pay_R")

	// The order is committed as paid and the process stops before any stock
	// is taken.
	_, outcome, err := f.store.MarkPaid(ctx, conf, "INR")
	require.NoError(t, err)
	require.Equal(t, models.PaymentApplied, outcome)

	res, err := f.reconciler.VerifyAndApply(ctx, conf)
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, 5, f.stock(t))

	n, err := f.reconciler.ResumeStock(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh marker belongs to the process still applying it")

	n, err = f.reconciler.ResumeStock(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.stock(t))

	got, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StockPendingSince)
	assert.False(t, got.StockShortfall)

	n, err = f.reconciler.ResumeStock(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, f.stock(t))
}

func TestConfirmationAfterManualPaidIsRecorded(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	order := f.placeOrder(t, "order_P", 1)

	_, err := f.store.TransitionStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusPaid)
	require.NoError(t, err)

	res, err := f.reconciler.VerifyAndApply(ctx, f.confirmation("order_P", "pay_P"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)
	assert.Equal(t, "pay_P", res.Order.PaymentID)

	payments, err := f.store.ListPayments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusPaid, payments[0].Status)
	assert.Equal(t, "pay_P", payments[0].ExternalPaymentID)

	res, err = f.reconciler.VerifyAndApply(ctx, f.confirmation("order_P", "pay_other"))
	require.NoError(t, err)
	assert.Equal(t, "pay_P", res.Order.PaymentID)
}
