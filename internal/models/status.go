package models

import "strings"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusPaid:      true,
		OrderStatusCancelled: true,
		OrderStatusFailed:    true,
	},
	OrderStatusPaid:      {},
	OrderStatusCancelled: {},
	OrderStatusFailed:    {},
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

func (s OrderStatus) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// ParseOrderStatus accepts the four known statuses, case-insensitively.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validNext[status]; !ok {
		return "", false
	}
	return status, true
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller, as vouched for by the authentication
// layer.
type Actor struct {
	UserID string
	Role   Role
	Email  string
	Name   string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanView reports whether the actor may see (and act on) the order.
func (a Actor) CanView(o *Order) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == o.UserID)
}
