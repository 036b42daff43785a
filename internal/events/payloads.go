package events

import (
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/shopspring/decimal"
)

type OrderPayload struct {
	OrderNumber     string          `json:"order_number"`
	UserID          string          `json:"user_id"`
	Status          string          `json:"status"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	PaymentID       string          `json:"payment_id,omitempty"`
}

type ShortfallPayload struct {
	OrderNumber string                  `json:"order_number"`
	Lines       []models.StockShortfall `json:"lines"`
}

func OrderEvent(eventType string, o *models.Order) Event {
	return Event{
		Type:    eventType,
		OrderID: o.ID,
		Payload: OrderPayload{
			OrderNumber:     o.OrderNumber,
			UserID:          o.UserID,
			Status:          string(o.Status),
			TotalPrice:      o.TotalPrice,
			ExternalOrderID: o.ExternalOrderID,
			PaymentID:       o.PaymentID,
		},
	}
}

// StatusEvent maps a status an order just entered to its event type.
func StatusEvent(o *models.Order) (Event, bool) {
	switch o.Status {
	case models.OrderStatusPaid:
		return OrderEvent(TypeOrderPaid, o), true
	case models.OrderStatusCancelled:
		return OrderEvent(TypeOrderCancelled, o), true
	case models.OrderStatusFailed:
		return OrderEvent(TypeOrderFailed, o), true
	default:
		return Event{}, false
	}
}

func ShortfallEvent(o *models.Order, lines []models.StockShortfall) Event {
	return Event{
		Type:    TypeStockShortfall,
		OrderID: o.ID,
		Payload: ShortfallPayload{OrderNumber: o.OrderNumber, Lines: lines},
	}
}
