package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ItemInput struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderInput struct {
	Address string      `json:"address"`
	Phone   string      `json:"phone"`
	Items   []ItemInput `json:"items"`
}

func (in CreateOrderInput) Validate() error {
	if strings.TrimSpace(in.Address) == "" {
		return apperr.New(apperr.KindInvalidRequest, "address is required")
	}
	if strings.TrimSpace(in.Phone) == "" {
		return apperr.New(apperr.KindInvalidRequest, "phone is required")
	}
	if len(in.Items) == 0 {
		return apperr.New(apperr.KindInvalidRequest, "at least one item is required")
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return apperr.Newf(apperr.KindInvalidRequest, "item %d: quantity must be greater than zero", i)
		}
	}
	return nil
}

// PaymentDetails is what the client needs to open the provider's checkout.
type PaymentDetails struct {
	ExternalOrderID string `json:"external_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	KeyID           string `json:"key_id,omitempty"`
}

type Checkout struct {
	Order   *models.Order  `json:"order"`
	Payment PaymentDetails `json:"payment"`
}

type BuilderConfig struct {
	Currency       string
	KeyID          string
	GatewayTimeout time.Duration
}

type Builder struct {
	store     Store
	ledger    Ledger
	gateway   payment.Gateway
	cfg       BuilderConfig
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewBuilder(store Store, ledger Ledger, gateway payment.Gateway, cfg BuilderConfig, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Builder {
	return &Builder{
		store:     store,
		ledger:    ledger,
		gateway:   gateway,
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("builder"),
		tracer:    otel.Tracer("orders"),
	}
}

// CreateOrder prices the cart from current batches, persists a pending
// order and registers it with the payment gateway. Stock is checked but not
// reserved; it is taken only once the order is paid.
//
// If the gateway fails, the order stays pending without an external id and
// is later cancelled by the orphan sweeper.
func (b *Builder) CreateOrder(ctx context.Context, actor models.Actor, in CreateOrderInput) (*Checkout, error) {
	ctx, span := b.tracer.Start(ctx, "orders.CreateOrder",
		trace.WithAttributes(attribute.String("user.id", actor.UserID), attribute.Int("items", len(in.Items))))
	defer span.End()

	if actor.UserID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	lines := make([]models.OrderLine, 0, len(in.Items))
	for _, item := range in.Items {
		supply, err := b.ledger.FindSupplyingBatch(ctx, item.ProductID, item.Quantity)
		if err != nil {
			return nil, err
		}
		lines = append(lines, models.OrderLine{
			ProductID:   item.ProductID,
			ProductName: supply.Product.Name,
			BatchID:     supply.Batch.ID,
			UnitPrice:   supply.Batch.FinalPrice,
			Quantity:    item.Quantity,
		})
	}

	order, err := b.store.CreateOrder(ctx, &models.Order{
		UserID:     actor.UserID,
		UserEmail:  actor.Email,
		UserName:   actor.Name,
		Address:    strings.TrimSpace(in.Address),
		Phone:      strings.TrimSpace(in.Phone),
		Lines:      lines,
		TotalPrice: models.SumLines(lines),
	})
	if err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	b.metrics.OrdersCreated.Inc()

	log := b.logger.With(zap.Int64("order_id", order.ID), zap.String("order_number", order.OrderNumber))

	amount := payment.MinorUnits(order.TotalPrice)
	intent, err := b.createIntent(ctx, amount, order.OrderNumber)
	if err != nil {
		span.RecordError(err)
		log.Error("payment gateway unavailable; order left pending", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindPaymentGatewayUnavailable, "payment gateway unavailable, try again", err)
	}

	order, err = b.store.AttachPaymentIntent(ctx, order.ID, &models.Payment{
		ExternalOrderID: intent.ExternalOrderID,
		Amount:          order.TotalPrice,
		Currency:        b.cfg.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}

	log.Info("order created",
		zap.String("external_order_id", intent.ExternalOrderID),
		zap.String("total", order.TotalPrice.StringFixed(2)))
	if err := b.publisher.Publish(ctx, events.OrderEvent(events.TypeOrderCreated, order)); err != nil {
		log.Warn("publish event", zap.String("type", events.TypeOrderCreated), zap.Error(err))
	}

	return &Checkout{
		Order: order,
		Payment: PaymentDetails{
			ExternalOrderID: intent.ExternalOrderID,
			Amount:          amount,
			Currency:        b.cfg.Currency,
			KeyID:           b.cfg.KeyID,
		},
	}, nil
}

func (b *Builder) createIntent(ctx context.Context, amount int64, receipt string) (*payment.Intent, error) {
	if b.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.GatewayTimeout)
		defer cancel()
	}

	start := time.Now()
	intent, err := b.gateway.CreateIntent(ctx, amount, b.cfg.Currency, receipt)
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.metrics.GatewayLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return intent, err
}
