package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/inventory"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultDecrementAttempts = 3

// Store is what the reconciler needs from persistence. MarkPaid must lock
// the order for the duration of its decision so that only one caller ever
// observes PaymentApplied for a given order.
type Store interface {
	MarkPaid(ctx context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, models.PaymentOutcome, error)
	MarkFailed(ctx context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, error)
	RecordShortfalls(ctx context.Context, orderID int64, shortfalls []models.StockShortfall) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// CompleteStock clears the marker MarkPaid sets on an applied payment.
	CompleteStock(ctx context.Context, orderID int64) error
	ClaimStalledStock(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

type Ledger interface {
	FindSupplyingBatch(ctx context.Context, productID int64, quantity int) (*inventory.Supply, error)
	Decrement(ctx context.Context, batchID int64, quantity int) (*models.Batch, error)
}

type Result struct {
	Order *models.Order `json:"order"`
	// AlreadyApplied is set when the order was already paid; nothing changed.
	AlreadyApplied bool `json:"already_applied"`
	// Shortfalls lists lines whose stock could not be taken. The payment
	// stands and the order stays paid.
	Shortfalls []models.StockShortfall `json:"shortfalls,omitempty"`
}

type ReconcilerConfig struct {
	Secret        string
	WebhookSecret string
	Currency      string
	// DecrementAttempts bounds lookups per line when decrements race.
	DecrementAttempts int
}

type Reconciler struct {
	store     Store
	ledger    Ledger
	signer    *Signer
	webhook   *Signer
	currency  string
	attempts  int
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewReconciler(store Store, ledger Ledger, cfg ReconcilerConfig, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	attempts := cfg.DecrementAttempts
	if attempts <= 0 {
		attempts = defaultDecrementAttempts
	}
	return &Reconciler{
		store:     store,
		ledger:    ledger,
		signer:    NewSigner(cfg.Secret),
		webhook:   NewSigner(cfg.WebhookSecret),
		currency:  cfg.Currency,
		attempts:  attempts,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("reconciler"),
		tracer:    otel.Tracer("payment"),
	}
}

// VerifyAndApply checks the client-relayed signature and, if it holds,
// applies the payment. A bad signature touches nothing.
func (r *Reconciler) VerifyAndApply(ctx context.Context, conf models.PaymentConfirmation) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "payment.VerifyAndApply",
		trace.WithAttributes(attribute.String("payment.external_order_id", conf.ExternalOrderID)))
	defer span.End()

	if conf.ExternalOrderID == "" || conf.ExternalPaymentID == "" || conf.Signature == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "external_order_id, external_payment_id and signature are required")
	}

	if !r.signer.Verify(conf.ExternalOrderID, conf.ExternalPaymentID, conf.Signature) {
		r.metrics.PaymentsVerified.WithLabelValues("invalid_signature").Inc()
		r.logger.Warn("payment signature mismatch",
			zap.String("external_order_id", conf.ExternalOrderID),
			zap.String("external_payment_id", conf.ExternalPaymentID))
		span.SetStatus(codes.Error, "invalid signature")
		return nil, apperr.New(apperr.KindInvalidSignature, "payment signature does not match")
	}

	res, err := r.apply(ctx, conf)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, conf models.PaymentConfirmation) (*Result, error) {
	order, outcome, err := r.store.MarkPaid(ctx, conf, r.currency)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindOrderNotFound {
			r.metrics.PaymentsVerified.WithLabelValues("order_not_found").Inc()
			return nil, apperr.Newf(apperr.KindOrderNotFound, "no order for external order id %s", conf.ExternalOrderID)
		}
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	r.metrics.PaymentsVerified.WithLabelValues(outcome.String()).Inc()

	log := r.logger.With(
		zap.Int64("order_id", order.ID),
		zap.String("external_order_id", conf.ExternalOrderID),
		zap.String("external_payment_id", conf.ExternalPaymentID),
	)

	switch outcome {
	case models.PaymentAlreadyApplied:
		log.Info("payment already applied")
		return &Result{Order: order, AlreadyApplied: true}, nil
	case models.PaymentNotPayable:
		log.Error("payment captured for an order that can no longer be paid; refund required",
			zap.String("status", string(order.Status)))
		return nil, apperr.Newf(apperr.KindIllegalTransition,
			"order %d is %s; payment %s was recorded but not applied", order.ID, order.Status, conf.ExternalPaymentID)
	}

	r.metrics.OrderTransitions.WithLabelValues(string(models.OrderStatusPaid)).Inc()
	log.Info("order paid")

	// The payment is committed; the stock must follow even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	shortfalls, err := r.ApplyStock(ctx, order)
	if err != nil {
		log.Error("stock application incomplete", zap.Error(err))
	}
	if len(shortfalls) > 0 {
		order.StockShortfall = true
	}

	r.publish(ctx, events.OrderEvent(events.TypeOrderPaid, order))
	return &Result{Order: order, Shortfalls: shortfalls}, nil
}

// ApplyStock takes each line's quantity from a freshly chosen batch. It is
// run once per order, right after the order became paid, and clears the
// order's owed-stock marker when done. Lines that cannot be covered are
// recorded as shortfalls and the order is flagged; the error is only for
// failures to record the outcome.
func (r *Reconciler) ApplyStock(ctx context.Context, order *models.Order) ([]models.StockShortfall, error) {
	ctx, span := r.tracer.Start(ctx, "payment.ApplyStock",
		trace.WithAttributes(attribute.Int64("order.id", order.ID)))
	defer span.End()

	var shortfalls []models.StockShortfall
	for _, line := range order.Lines {
		if sf, ok := r.decrementLine(ctx, line); !ok {
			shortfalls = append(shortfalls, sf)
		}
	}

	if len(shortfalls) > 0 {
		if err := r.recordShortfalls(ctx, order, shortfalls); err != nil {
			span.RecordError(err)
			return shortfalls, err
		}
	}

	if err := r.store.CompleteStock(ctx, order.ID); err != nil {
		span.RecordError(err)
		return shortfalls, fmt.Errorf("complete order stock: %w", err)
	}
	order.StockPendingSince = nil
	return shortfalls, nil
}

func (r *Reconciler) recordShortfalls(ctx context.Context, order *models.Order, shortfalls []models.StockShortfall) error {
	r.metrics.StockShortfalls.Add(float64(len(shortfalls)))
	r.logger.Error("stock shortfall on paid order",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Any("shortfalls", shortfalls))

	if err := r.store.RecordShortfalls(ctx, order.ID, shortfalls); err != nil {
		return fmt.Errorf("record stock shortfalls: %w", err)
	}
	order.StockShortfall = true
	r.publish(ctx, events.ShortfallEvent(order, shortfalls))
	return nil
}

// ResumeStock applies stock for paid orders whose marker is older than
// cutoff, which means the process that paid them stopped before taking
// their lines. It returns how many orders it resumed.
func (r *Reconciler) ResumeStock(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ids, err := r.store.ClaimStalledStock(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		order, err := r.store.GetOrder(ctx, id)
		if err != nil {
			r.logger.Warn("load stalled order", zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		r.logger.Warn("resuming stock for paid order", zap.Int64("order_id", id), zap.Timep("pending_since", order.StockPendingSince))
		if _, err := r.ApplyStock(ctx, order); err != nil {
			r.logger.Error("resume stock", zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		resumed++
	}
	r.metrics.StockResumed.Add(float64(resumed))
	return resumed, nil
}

func (r *Reconciler) decrementLine(ctx context.Context, line models.OrderLine) (models.StockShortfall, bool) {
	sf := models.StockShortfall{ProductID: line.ProductID, Quantity: line.Quantity}

	for attempt := 0; attempt < r.attempts; attempt++ {
		supply, err := r.ledger.FindSupplyingBatch(ctx, line.ProductID, line.Quantity)
		if err != nil {
			sf.Reason = reasonFor(err)
			return sf, false
		}
		sf.BatchID = supply.Batch.ID

		_, err = r.ledger.Decrement(ctx, supply.Batch.ID, line.Quantity)
		if err == nil {
			return sf, true
		}
		sf.Reason = reasonFor(err)
		if apperr.KindOf(err) != apperr.KindStockConflict {
			return sf, false
		}
		r.metrics.DecrementConflicts.Inc()
	}
	return sf, false
}

func reasonFor(err error) string {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		return "internal: " + err.Error()
	}
	return string(kind)
}

// ApplyFailure records a failed payment attempt. A pending order becomes
// failed; an order in any other status is left as it is.
func (r *Reconciler) ApplyFailure(ctx context.Context, conf models.PaymentConfirmation) (*models.Order, error) {
	order, err := r.store.MarkFailed(ctx, conf, r.currency)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindOrderNotFound {
			return nil, apperr.Newf(apperr.KindOrderNotFound, "no order for external order id %s", conf.ExternalOrderID)
		}
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}

	r.metrics.PaymentsVerified.WithLabelValues("failed").Inc()
	if order.Status == models.OrderStatusFailed {
		r.metrics.OrderTransitions.WithLabelValues(string(models.OrderStatusFailed)).Inc()
		r.publish(ctx, events.OrderEvent(events.TypeOrderFailed, order))
	}
	r.logger.Info("payment failed",
		zap.Int64("order_id", order.ID),
		zap.String("external_payment_id", conf.ExternalPaymentID),
		zap.String("status", string(order.Status)))
	return order, nil
}

func (r *Reconciler) publish(ctx context.Context, e events.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("publish event", zap.String("type", e.Type), zap.Int64("order_id", e.OrderID), zap.Error(err))
	}
}
