package venue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
)

type Status struct {
	Height      uint64 `json:"height"`
	BlockTime   uint64 `json:"blockTime"`
	NextOrderID uint64 `json:"nextOrderId"`
	EventSeq    uint64 `json:"eventSeq"`
	PendingTxs  int    `json:"pendingTxs"`
}

func (a *App) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Height:      a.height,
		BlockTime:   a.clock.unix,
		NextOrderID: a.book.NextOrderID(),
		EventSeq:    a.book.EventSeq(),
		PendingTxs:  a.mempool.Len(),
	}
}

func (a *App) Order(id uint64) (*orderbook.Order, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.book.GetOrder(id)
}

// PriceAt evaluates an order at ts, or at the last block time when ts is nil.
func (a *App) PriceAt(id uint64, ts *uint64) (*uint256.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	at := a.clock.unix
	if ts != nil {
		at = *ts
	}
	return a.book.PriceAt(id, at)
}

func (a *App) OrdersByOwner(owner common.Address, activeOnly bool) []*orderbook.Order {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.book.OrdersByOwner(owner, activeOnly)
}

func (a *App) ActiveOrders() []*orderbook.Order {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*orderbook.Order
	for _, o := range a.book.Orders() {
		if o.Active {
			out = append(out, o)
		}
	}
	return out
}

func (a *App) Balance(token, holder common.Address) *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ledger.BalanceOf(token, holder)
}

func (a *App) Custody(token common.Address) *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ledger.Custody(token)
}

func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonces[addr]
}

// Receipt returns nil for a transaction that has not been executed.
func (a *App) Receipt(h common.Hash) (*transaction.Receipt, error) {
	return a.store.GetReceipt(h)
}

func (a *App) Events(fromSeq uint64, limit int) ([]orderbook.EventRecord, error) {
	return a.store.LoadEvents(fromSeq, limit)
}
