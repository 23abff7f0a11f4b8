package venue

import (
	"errors"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
)

// Code extends orderbook.Code with the rejections that happen before a
// transaction reaches the book.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transaction.ErrMalformed):
		return "Malformed"
	case errors.Is(err, transaction.ErrBadSignature):
		return "BadSignature"
	case errors.Is(err, ErrStaleNonce):
		return "StaleNonce"
	case errors.Is(err, ErrDuplicateTx):
		return "DuplicateTx"
	}
	return orderbook.Code(err)
}

// isRejection reports whether err is the transaction's fault. Anything else
// is a node fault and halts block execution.
func isRejection(err error) bool {
	return Code(err) != "Internal"
}
