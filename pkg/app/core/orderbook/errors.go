package orderbook

import (
	"errors"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/pricing"
)

var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrOrderInactive   = errors.New("order inactive")
	ErrNotOwner        = errors.New("caller is not the order owner")
	ErrInvalidMatch    = errors.New("orders do not form a buy/sell pair on the same assets")
	ErrPriceNotCrossed = errors.New("buy price below sell price")
	ErrZeroAmount      = errors.New("trade rounds to zero")
	ErrOrderNotFound   = errors.New("order not found")

	ErrNegativePrice = pricing.ErrNegativePrice
	ErrPriceOverflow = pricing.ErrPriceOverflow
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidOrder, "InvalidOrder"},
	{ErrOrderInactive, "OrderInactive"},
	{ErrNotOwner, "NotOwner"},
	{ErrInvalidMatch, "InvalidMatch"},
	{ErrPriceNotCrossed, "PriceNotCrossed"},
	{ErrZeroAmount, "ZeroAmount"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrNegativePrice, "NegativePrice"},
	{ErrPriceOverflow, "PriceOverflow"},
	{ledger.ErrInsufficientBalance, "InsufficientBalance"},
	{ledger.ErrInsufficientCustody, "InsufficientCustody"},
	{ledger.ErrTransferRejected, "TransferRejected"},
}

// Code maps an error to its stable name. Anything unrecognised, such as a
// storage failure, maps to "Internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// IsDomainError reports whether err is a deterministic rejection of the
// request rather than a fault of the node.
func IsDomainError(err error) bool {
	c := Code(err)
	return c != "" && c != "Internal"
}
