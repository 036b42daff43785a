package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	AggregateStock int       `json:"aggregate_stock"`
	Batches        []Batch   `json:"batches,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Batch is a stock lot of a product. Batches of a product are kept in
// (Position, ID) order, which is the order allocation scans them in.
type Batch struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"product_id"`
	Code           string          `json:"code"`
	ProductionDate time.Time       `json:"production_date"`
	Quality        string          `json:"quality"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal `json:"discount"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	Stock          int             `json:"stock"`
	Position       int             `json:"position"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ComputeFinalPrice returns unit price minus discount, floored at zero.
func ComputeFinalPrice(unitPrice, discount decimal.Decimal) decimal.Decimal {
	final := unitPrice.Sub(discount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}

type Order struct {
	ID                int64           `json:"id"`
	OrderNumber       string          `json:"order_number"`
	UserID            string          `json:"user_id"`
	UserEmail         string          `json:"user_email,omitempty"`
	UserName          string          `json:"user_name,omitempty"`
	Address           string          `json:"address"`
	Phone             string          `json:"phone"`
	Lines             []OrderLine     `json:"lines"`
	TotalPrice        decimal.Decimal `json:"total_price"`
	Status            OrderStatus     `json:"status"`
	ExternalOrderID   string          `json:"external_order_id,omitempty"`
	PaymentID         string          `json:"payment_id,omitempty"`
	PaymentSignature  string          `json:"-"`
	StockShortfall    bool            `json:"stock_shortfall"`
	// StockPendingSince is set while a paid order still owes its stock
	// decrement and cleared once the lines have been taken.
	StockPendingSince *time.Time      `json:"stock_pending_since,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OrderLine is a snapshot of what was bought; it does not follow later
// catalog changes.
type OrderLine struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	BatchID     int64           `json:"batch_id"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// SumLines is the order total as fixed at creation time.
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

type Payment struct {
	ID                int64           `json:"id"`
	OrderID           int64           `json:"order_id"`
	ExternalOrderID   string          `json:"external_order_id"`
	ExternalPaymentID string          `json:"external_payment_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentStatusCreated PaymentStatus = "created"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// StockShortfall records an order line whose stock could not be taken after
// the order was paid. It needs an operator.
type StockShortfall struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	ProductID int64     `json:"product_id"`
	BatchID   int64     `json:"batch_id,omitempty"`
	Quantity  int       `json:"quantity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentConfirmation is what the client relays after paying: the gateway's
// order and payment ids and the signature over them.
type PaymentConfirmation struct {
	ExternalOrderID   string `json:"external_order_id"`
	ExternalPaymentID string `json:"external_payment_id"`
	Signature         string `json:"signature"`
}

// PaymentOutcome is how a store resolved a paid confirmation against the
// order it names.
type PaymentOutcome int

const (
	// PaymentApplied means the order moved from pending to paid in this call.
	PaymentApplied PaymentOutcome = iota
	// PaymentAlreadyApplied means the order was already paid.
	PaymentAlreadyApplied
	// PaymentNotPayable means the order was cancelled or failed; the payment
	// was recorded but the order was left alone.
	PaymentNotPayable
)

func (o PaymentOutcome) String() string {
	switch o {
	case PaymentApplied:
		return "applied"
	case PaymentAlreadyApplied:
		return "already_applied"
	case PaymentNotPayable:
		return "not_payable"
	default:
		return "unknown"
	}
}
