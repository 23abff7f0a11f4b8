package transaction

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Receipt records what a sequenced transaction did. Failed transactions
// still get a receipt and still consume their nonce.
type Receipt struct {
	TxHash      common.Hash    `json:"txHash"`
	Height      uint64         `json:"height"`
	Index       int            `json:"index"`
	Type        TxType         `json:"type,omitempty"`
	Signer      common.Address `json:"signer"`
	Status      Status         `json:"status"`
	Code        string         `json:"code,omitempty"`
	Error       string         `json:"error,omitempty"`
	OrderID     uint64         `json:"orderId,omitempty"`
	BaseAmount  *uint256.Int   `json:"baseAmount,omitempty"`
	QuoteAmount *uint256.Int   `json:"quoteAmount,omitempty"`
	Refund      *uint256.Int   `json:"refund,omitempty"`
}
