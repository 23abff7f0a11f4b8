package orderbook

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Unit names the asset an order's Remaining is denominated in.
type Unit uint8

const (
	UnitBase Unit = iota
	UnitQuote
)

func (u Unit) String() string {
	if u == UnitQuote {
		return "quote"
	}
	return "base"
}

// Order is a resting BUY or SELL with a time-linear price.
//
// A BUY escrows quote (TokenIn) to receive base (TokenOut); its Remaining is
// quote. A SELL escrows base (TokenIn) to receive quote (TokenOut); its
// Remaining is base. Amount fields are replaced on change, never mutated in
// place.
type Order struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	TokenIn    common.Address `json:"tokenIn"`
	TokenOut   common.Address `json:"tokenOut"`
	StartPrice *uint256.Int   `json:"startPrice"`
	Slope      *big.Int       `json:"slope"`
	StartTime  uint64         `json:"startTime"`
	Remaining  *uint256.Int   `json:"remaining"`
	IsBuy      bool           `json:"isBuy"`
	Active     bool           `json:"active"`
}

func (o *Order) Unit() Unit {
	if o.IsBuy {
		return UnitQuote
	}
	return UnitBase
}

func (o *Order) BaseAsset() common.Address {
	if o.IsBuy {
		return o.TokenOut
	}
	return o.TokenIn
}

func (o *Order) QuoteAsset() common.Address {
	if o.IsBuy {
		return o.TokenIn
	}
	return o.TokenOut
}

func (o *Order) Side() string {
	if o.IsBuy {
		return "buy"
	}
	return "sell"
}

// Clone returns a copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	c := *o
	c.StartPrice = new(uint256.Int).Set(o.StartPrice)
	c.Remaining = new(uint256.Int).Set(o.Remaining)
	c.Slope = new(big.Int).Set(o.Slope)
	return &c
}

// OrderParams are the caller-supplied fields of a new order.
type OrderParams struct {
	TokenIn    common.Address
	TokenOut   common.Address
	StartPrice *uint256.Int
	Slope      *big.Int
	Amount     *uint256.Int
	IsBuy      bool
}

// Fill describes one settled match. Price is the sell price at settlement.
type Fill struct {
	BuyID       uint64       `json:"buyId"`
	SellID      uint64       `json:"sellId"`
	Price       *uint256.Int `json:"price"`
	BaseAmount  *uint256.Int `json:"baseAmount"`
	QuoteAmount *uint256.Int `json:"quoteAmount"`
}
