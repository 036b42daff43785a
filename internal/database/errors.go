package database

import (
	"errors"

	"github.com/lib/pq"
	"github.com/safar/storefront-fulfilment/internal/apperr"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
	ErrorClassUniqueViolation
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03", "57014":
			return ErrorClassTransient
		case "23505":
			return ErrorClassUniqueViolation
		}
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassTransient, ErrorClassDeadlock, ErrorClassSerialization:
		return true
	default:
		return false
	}
}

// Store-level sentinels share the apperr taxonomy so callers can match them
// with errors.Is and surface them unchanged.
var (
	ErrProductNotFound = apperr.New(apperr.KindProductNotFound, "product not found")
	ErrBatchNotFound   = apperr.New(apperr.KindBatchNotFound, "batch not found")
	ErrOrderNotFound   = apperr.New(apperr.KindOrderNotFound, "order not found")
	ErrStockConflict   = apperr.New(apperr.KindStockConflict, "batch stock changed concurrently")
	ErrStatusConflict  = apperr.New(apperr.KindIllegalTransition, "order is no longer in the expected status")
	ErrDuplicate       = apperr.New(apperr.KindConflict, "record already exists")
)
