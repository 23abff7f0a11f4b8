// Package ledger is the asset capability the order book settles against.
//
// The book never touches balances directly. It moves funds into custody with
// Escrow and out of custody with Release. Every call either succeeds
// completely or leaves balances untouched, and all changes since a Snapshot
// can be undone with RevertToSnapshot until Finalise is called.
package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientCustody = errors.New("insufficient custody balance")
	ErrTransferRejected    = errors.New("transfer rejected by recipient hook")
	ErrInvalidSnapshot     = errors.New("invalid snapshot id")
)

// Ledger is a journaled asset ledger.
type Ledger interface {
	// Escrow moves amount of token from the holder into custody.
	Escrow(token, from common.Address, amount *uint256.Int) error
	// Release moves amount of token from custody to the recipient.
	Release(token, to common.Address, amount *uint256.Int) error

	Snapshot() int
	RevertToSnapshot(id int)

	// Flush writes every balance changed since the last Finalise to w.
	Flush(w Writer) error
	// Finalise drops the journal; earlier snapshots become invalid.
	Finalise()
}

// Writer persists balances. A storage batch implements it.
type Writer interface {
	SetBalance(token, holder common.Address, amount *uint256.Int) error
}

// Balance is one holder's position in one token.
type Balance struct {
	Token  common.Address `json:"token"`
	Holder common.Address `json:"holder"`
	Amount *uint256.Int   `json:"amount"`
}
