package memory

import (
	"context"
	"sort"
	"time"

	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/store"
)

func (s *Store) CreateOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := cloneOrder(order)
	if o.OrderNumber == "" {
		o.OrderNumber = store.GenerateOrderNumber()
	}
	for _, existing := range s.orders {
		if existing.OrderNumber == o.OrderNumber {
			return nil, database.ErrDuplicate
		}
	}

	now := s.now()
	o.ID = s.id()
	o.Status = models.OrderStatusPending
	o.ExternalOrderID = ""
	o.PaymentID = ""
	o.PaymentSignature = ""
	o.StockShortfall = false
	o.CreatedAt = now
	o.UpdatedAt = now
	for i := range o.Lines {
		o.Lines[i].ID = s.id()
		o.Lines[i].OrderID = o.ID
	}

	s.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (s *Store) AttachPaymentIntent(_ context.Context, orderID int64, payment *models.Payment) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	if o.Status != models.OrderStatusPending || o.ExternalOrderID != "" {
		return nil, database.ErrStatusConflict
	}
	if _, taken := s.byExternal[payment.ExternalOrderID]; taken {
		return nil, database.ErrDuplicate
	}

	now := s.now()
	o.ExternalOrderID = payment.ExternalOrderID
	o.UpdatedAt = now
	s.byExternal[payment.ExternalOrderID] = o.ID

	s.payments = append(s.payments, models.Payment{
		ID:              s.id(),
		OrderID:         o.ID,
		ExternalOrderID: payment.ExternalOrderID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
		Status:          models.PaymentStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	return cloneOrder(o), nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) ListOrders(_ context.Context, filter store.OrderFilter) (*store.CursorPage, error) {
	cursor, err := store.DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := store.NormalizeLimit(filter.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Order
	for _, o := range s.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if cursor != nil && !cursor.Before(o) {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}

	orders := make([]models.Order, 0, len(matched))
	for _, o := range matched {
		orders = append(orders, *cloneOrder(o))
	}
	return store.Paginate(orders, limit), nil
}

func (s *Store) TransitionStatus(_ context.Context, id int64, from, to models.OrderStatus) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, database.ErrStatusConflict
	}

	now := s.now()
	o.Status = to
	o.UpdatedAt = now
	if to == models.OrderStatusPaid {
		o.StockPendingSince = &now
	}
	return cloneOrder(o), nil
}

func (s *Store) CancelOrphans(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []*models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderStatusPending && o.ExternalOrderID == "" && o.CreatedAt.Before(cutoff) {
			orphans = append(orphans, o)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].CreatedAt.Before(orphans[j].CreatedAt) })
	if len(orphans) > limit {
		orphans = orphans[:limit]
	}

	now := s.now()
	ids := make([]int64, 0, len(orphans))
	for _, o := range orphans {
		o.Status = models.OrderStatusCancelled
		o.UpdatedAt = now
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Store) CompleteStock(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return database.ErrOrderNotFound
	}
	o.StockPendingSince = nil
	o.UpdatedAt = s.now()
	return nil
}

func (s *Store) ClaimStalledStock(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []*models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderStatusPaid && o.StockPendingSince != nil && o.StockPendingSince.Before(cutoff) {
			stalled = append(stalled, o)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].StockPendingSince.Before(*stalled[j].StockPendingSince) })
	if len(stalled) > limit {
		stalled = stalled[:limit]
	}

	now := s.now()
	ids := make([]int64, 0, len(stalled))
	for _, o := range stalled {
		o.StockPendingSince = &now
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func cloneOrder(o *models.Order) *models.Order {
	out := *o
	out.Lines = append([]models.OrderLine(nil), o.Lines...)
	return &out
}
