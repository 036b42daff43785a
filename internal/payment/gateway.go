// Package payment holds the contract with the external payment provider and
// the reconciler that turns a confirmed payment into a paid order.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Intent is the provider-side record a customer pays against.
type Intent struct {
	ExternalOrderID string
	Amount          int64
	Currency        string
	Receipt         string
}

type Gateway interface {
	// CreateIntent registers amount (in minor units) with the provider.
	// Calls are not retried.
	CreateIntent(ctx context.Context, amount int64, currency, receipt string) (*Intent, error)
}

// MinorUnits converts a two-decimal amount to the integer the provider
// expects, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
