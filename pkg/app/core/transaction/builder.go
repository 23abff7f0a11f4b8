package transaction

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
)

// Unsigned constructors. Sign with Verifier.Sign before submitting.

func NewCreate(owner common.Address, p orderbook.OrderParams, nonce uint64) *SignedTransaction {
	return &SignedTransaction{
		Type: TxTypeCreate,
		Create: &CreatePayload{
			TokenIn:    p.TokenIn.Hex(),
			TokenOut:   p.TokenOut.Hex(),
			StartPrice: p.StartPrice.Dec(),
			Slope:      p.Slope.String(),
			Amount:     p.Amount.Dec(),
			IsBuy:      p.IsBuy,
			Nonce:      strconv.FormatUint(nonce, 10),
			Owner:      owner.Hex(),
		},
	}
}

func NewMatch(taker common.Address, buyID, sellID, nonce uint64) *SignedTransaction {
	return &SignedTransaction{
		Type: TxTypeMatch,
		Match: &MatchPayload{
			BuyID:  strconv.FormatUint(buyID, 10),
			SellID: strconv.FormatUint(sellID, 10),
			Nonce:  strconv.FormatUint(nonce, 10),
			Taker:  taker.Hex(),
		},
	}
}

func NewCancel(owner common.Address, orderID, nonce uint64) *SignedTransaction {
	return &SignedTransaction{
		Type: TxTypeCancel,
		Cancel: &CancelPayload{
			OrderID: strconv.FormatUint(orderID, 10),
			Nonce:   strconv.FormatUint(nonce, 10),
			Owner:   owner.Hex(),
		},
	}
}
