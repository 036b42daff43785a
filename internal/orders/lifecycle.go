package orders

import (
	"context"
	"fmt"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
	"go.uber.org/zap"
)

// StatusPatch is the whole of what an administrator may change on an order.
type StatusPatch struct {
	Status string `json:"status"`
}

type Lifecycle struct {
	store     Store
	applier   StockApplier
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewLifecycle(store Store, applier StockApplier, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		store:     store,
		applier:   applier,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("lifecycle"),
	}
}

func (l *Lifecycle) Get(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanView(order) {
		return nil, apperr.Newf(apperr.KindForbidden, "order %d belongs to another user", orderID)
	}
	return order, nil
}

func (l *Lifecycle) ListForUser(ctx context.Context, actor models.Actor, cursor string, limit int) (*store.CursorPage, error) {
	if actor.UserID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	return l.store.ListOrders(ctx, store.OrderFilter{UserID: actor.UserID, Cursor: cursor, Limit: limit})
}

func (l *Lifecycle) ListAll(ctx context.Context, actor models.Actor, cursor string, limit int) (*store.CursorPage, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "admin role required")
	}
	return l.store.ListOrders(ctx, store.OrderFilter{Cursor: cursor, Limit: limit})
}

// Cancel is allowed to the owner or an administrator, and only while the
// order is pending. A payment that lands first wins; the cancel then fails
// with illegal_transition.
func (l *Lifecycle) Cancel(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error) {
	order, err := l.Get(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
		return nil, illegal(order.Status, models.OrderStatusCancelled)
	}

	updated, err := l.store.TransitionStatus(ctx, orderID, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIllegalTransition {
			return nil, l.currentIllegal(ctx, orderID, models.OrderStatusCancelled, err)
		}
		return nil, err
	}

	l.transitioned(ctx, updated, actor)
	return updated, nil
}

// UpdateStatus is the administrator's manual override. Only legal
// transitions are accepted, and a manual pending -> paid takes the stock
// exactly as a verified payment would.
func (l *Lifecycle) UpdateStatus(ctx context.Context, orderID int64, patch StatusPatch, actor models.Actor) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "admin role required")
	}

	target, ok := models.ParseOrderStatus(patch.Status)
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidStatus, "unknown status %q", patch.Status)
	}

	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(order.Status, target) {
		return nil, illegal(order.Status, target)
	}

	updated, err := l.store.TransitionStatus(ctx, orderID, order.Status, target)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIllegalTransition {
			return nil, l.currentIllegal(ctx, orderID, target, err)
		}
		return nil, err
	}

	if target == models.OrderStatusPaid {
		if _, err := l.applier.ApplyStock(context.WithoutCancel(ctx), updated); err != nil {
			l.logger.Error("stock application incomplete", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	l.transitioned(ctx, updated, actor)
	return updated, nil
}

// Shortfalls lists the lines of a paid order whose stock could not be taken.
func (l *Lifecycle) Shortfalls(ctx context.Context, orderID int64, actor models.Actor) ([]models.StockShortfall, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "admin role required")
	}
	if _, err := l.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	out, err := l.store.ListShortfalls(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list shortfalls: %w", err)
	}
	if out == nil {
		out = []models.StockShortfall{}
	}
	return out, nil
}

func (l *Lifecycle) transitioned(ctx context.Context, order *models.Order, actor models.Actor) {
	l.metrics.OrderTransitions.WithLabelValues(string(order.Status)).Inc()
	l.logger.Info("order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("actor", actor.UserID),
		zap.String("role", string(actor.Role)))

	if e, ok := events.StatusEvent(order); ok {
		if err := l.publisher.Publish(ctx, e); err != nil {
			l.logger.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
		}
	}
}

// currentIllegal reports a lost race in terms of the status that won it.
func (l *Lifecycle) currentIllegal(ctx context.Context, orderID int64, target models.OrderStatus, cause error) error {
	current, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return cause
	}
	return illegal(current.Status, target)
}

func illegal(from, to models.OrderStatus) error {
	return apperr.Newf(apperr.KindIllegalTransition, "cannot move order from %s to %s", from, to)
}
