// Package apperr defines the error kinds every fulfilment operation reports.
// A kind is stable and machine readable; the message is meant for the caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidRequest            Kind = "invalid_request"
	KindProductNotFound           Kind = "product_not_found"
	KindBatchNotFound             Kind = "batch_not_found"
	KindInsufficientStock         Kind = "insufficient_stock"
	KindInvalidStatus             Kind = "invalid_status"
	KindInvalidSignature          Kind = "invalid_signature"
	KindUnauthenticated           Kind = "unauthenticated"
	KindForbidden                 Kind = "forbidden"
	KindOrderNotFound             Kind = "order_not_found"
	KindIllegalTransition         Kind = "illegal_transition"
	KindStockConflict             Kind = "stock_conflict"
	KindPaymentGatewayUnavailable Kind = "payment_gateway_unavailable"
	KindConflict                  Kind = "conflict"
	KindInternal                  Kind = "internal"
)

type Error struct {
	Kind      Kind
	Message   string
	ProductID int64
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is
// regardless of the message or product attached to the concrete error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InsufficientStock(productID int64) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("no single batch of product %d can supply the requested quantity", productID),
		ProductID: productID,
	}
}

func ProductNotFound(productID int64) *Error {
	return &Error{
		Kind:      KindProductNotFound,
		Message:   fmt.Sprintf("product %d not found", productID),
		ProductID: productID,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-facing message. Errors without a kind never
// leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindInvalidStatus:
		return http.StatusBadRequest
	case KindInvalidSignature, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindProductNotFound, KindBatchNotFound, KindOrderNotFound:
		return http.StatusNotFound
	case KindInsufficientStock, KindIllegalTransition, KindStockConflict, KindConflict:
		return http.StatusConflict
	case KindPaymentGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
