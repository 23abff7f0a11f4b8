// Package pricing evaluates time-linear order prices.
//
// A price is quote units per one whole base unit, scaled by Scale. The
// price of an order at time t is
//
//	startPrice + slope * (t - startTime)
//
// for t after startTime and startPrice otherwise. Positive slopes rise,
// negative slopes decay (a Dutch auction), zero slope is a plain limit order.
package pricing

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrNegativePrice = errors.New("price evaluates negative")
	ErrPriceOverflow = errors.New("price exceeds 256 bits")
)

// Scale is the fixed-point denominator of prices (1e18).
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// SlopeInRange reports whether slope fits a signed 256-bit integer.
func SlopeInRange(slope *big.Int) bool {
	return slope != nil && slope.Cmp(minInt256) >= 0 && slope.Cmp(maxInt256) <= 0
}

// PriceAt returns the price of a linear schedule at timestamp. It never
// clamps: a schedule that has decayed below zero is an error.
func PriceAt(startPrice *uint256.Int, slope *big.Int, startTime, timestamp uint64) (*uint256.Int, error) {
	if timestamp <= startTime {
		return new(uint256.Int).Set(startPrice), nil
	}
	elapsed := new(big.Int).SetUint64(timestamp - startTime)
	price := new(big.Int).Mul(slope, elapsed)
	price.Add(price, startPrice.ToBig())

	if price.Sign() < 0 {
		return nil, ErrNegativePrice
	}
	out, overflow := uint256.FromBig(price)
	if overflow {
		return nil, ErrPriceOverflow
	}
	return out, nil
}

// QuoteForBase converts a base amount to quote at price, rounding down.
func QuoteForBase(base, price *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulDivOverflow(base, price, Scale)
}

// BaseForQuote converts a quote amount to base at price, rounding down.
// A zero price has no finite answer and reports overflow.
func BaseForQuote(quote, price *uint256.Int) (*uint256.Int, bool) {
	if price.IsZero() {
		return new(uint256.Int), true
	}
	return new(uint256.Int).MulDivOverflow(quote, Scale, price)
}
