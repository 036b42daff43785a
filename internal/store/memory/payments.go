package memory

import (
	"context"

	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/models"
)

func (s *Store) orderByExternalID(externalOrderID string) (*models.Order, error) {
	id, ok := s.byExternal[externalOrderID]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return s.orders[id], nil
}

func (s *Store) MarkPaid(_ context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, models.PaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.orderByExternalID(conf.ExternalOrderID)
	if err != nil {
		return nil, 0, err
	}

	var outcome models.PaymentOutcome
	switch o.Status {
	case models.OrderStatusPaid:
		if o.PaymentID == "" {
			// Marked paid by an operator; keep the provider's capture on record.
			s.recordPayment(o, conf, currency, models.PaymentStatusPaid)
			o.PaymentID = conf.ExternalPaymentID
			o.PaymentSignature = conf.Signature
			o.UpdatedAt = s.now()
		}
		return cloneOrder(o), models.PaymentAlreadyApplied, nil
	case models.OrderStatusPending:
		outcome = models.PaymentApplied
	default:
		outcome = models.PaymentNotPayable
	}

	s.recordPayment(o, conf, currency, models.PaymentStatusPaid)
	if outcome == models.PaymentApplied {
		now := s.now()
		o.Status = models.OrderStatusPaid
		o.PaymentID = conf.ExternalPaymentID
		o.PaymentSignature = conf.Signature
		o.StockPendingSince = &now
		o.UpdatedAt = now
	}
	return cloneOrder(o), outcome, nil
}

func (s *Store) MarkFailed(_ context.Context, conf models.PaymentConfirmation, currency string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.orderByExternalID(conf.ExternalOrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusPending {
		return cloneOrder(o), nil
	}

	s.recordPayment(o, conf, currency, models.PaymentStatusFailed)
	o.Status = models.OrderStatusFailed
	o.UpdatedAt = s.now()
	return cloneOrder(o), nil
}

func (s *Store) recordPayment(o *models.Order, conf models.PaymentConfirmation, currency string, status models.PaymentStatus) {
	now := s.now()
	for i := range s.payments {
		if s.payments[i].OrderID == o.ID && s.payments[i].Status == models.PaymentStatusPaid {
			return
		}
	}
	for i := range s.payments {
		p := &s.payments[i]
		if p.OrderID == o.ID && p.Status == models.PaymentStatusCreated {
			p.Status = status
			p.ExternalPaymentID = conf.ExternalPaymentID
			p.UpdatedAt = now
			return
		}
	}
	s.payments = append(s.payments, models.Payment{
		ID:                s.id(),
		OrderID:           o.ID,
		ExternalOrderID:   conf.ExternalOrderID,
		ExternalPaymentID: conf.ExternalPaymentID,
		Amount:            o.TotalPrice,
		Currency:          currency,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (s *Store) ListPayments(_ context.Context, orderID int64) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) RecordShortfalls(_ context.Context, orderID int64, shortfalls []models.StockShortfall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return database.ErrOrderNotFound
	}

	now := s.now()
	for _, sf := range shortfalls {
		sf.ID = s.id()
		sf.OrderID = orderID
		sf.CreatedAt = now
		s.shortfalls = append(s.shortfalls, sf)
	}
	o.StockShortfall = true
	o.UpdatedAt = now
	return nil
}

func (s *Store) ListShortfalls(_ context.Context, orderID int64) ([]models.StockShortfall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StockShortfall
	for _, sf := range s.shortfalls {
		if sf.OrderID == orderID {
			out = append(out, sf)
		}
	}
	return out, nil
}
