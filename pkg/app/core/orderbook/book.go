// Package orderbook stores orders whose prices move linearly in time and
// settles any crossed BUY/SELL pair on request.
//
// Nothing happens when time passes. Prices are evaluated only when an order
// is matched or queried, and matching is driven by whoever submits a pair.
package orderbook

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/pricing"
)

type Clock interface {
	Now() time.Time
}

// Store persists committed changes. Each successful top-level operation is
// written as one batch.
type Store interface {
	NewBatch() Batch
}

type Batch interface {
	ledger.Writer
	PutOrder(o *Order) error
	PutBookMeta(nextOrderID, eventSeq uint64) error
	PutEvent(rec EventRecord) error
	Commit() error
	Close() error
}

// Book is the lazy-settlement order book.
//
// Book is not safe for concurrent use. It is, however, reentrant: a ledger
// call made while an operation is in flight may call back into the book and
// will observe every effect of the outer operation already applied.
type Book struct {
	ledger ledger.Ledger
	clock  Clock
	store  Store
	sinks  []EventSink

	orders   map[uint64]*Order
	nextID   uint64
	eventSeq uint64

	journal []journalEntry
	dirty   map[uint64]struct{}
	pending []EventRecord
	depth   int
}

type Option func(*Book)

func WithStore(s Store) Option { return func(b *Book) { b.store = s } }

func WithEventSink(s EventSink) Option {
	return func(b *Book) { b.sinks = append(b.sinks, s) }
}

func New(l ledger.Ledger, clock Clock, opts ...Option) *Book {
	b := &Book{
		ledger: l,
		clock:  clock,
		orders: make(map[uint64]*Order),
		nextID: 1,
		dirty:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore loads previously committed state. It must be called before any
// operation.
func (b *Book) Restore(orders []*Order, nextID, eventSeq uint64) {
	b.orders = make(map[uint64]*Order, len(orders))
	for _, o := range orders {
		b.orders[o.ID] = o.Clone()
		if o.ID >= nextID {
			nextID = o.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}
	b.nextID = nextID
	b.eventSeq = eventSeq
}

// CreateOrder records a new order for caller and escrows Amount of TokenIn.
func (b *Book) CreateOrder(caller common.Address, p OrderParams) (uint64, error) {
	if err := validateParams(p); err != nil {
		return 0, err
	}

	var id uint64
	err := b.atomic(func() error {
		now := b.now()
		id = b.nextID
		o := &Order{
			ID:         id,
			Owner:      caller,
			TokenIn:    p.TokenIn,
			TokenOut:   p.TokenOut,
			StartPrice: new(uint256.Int).Set(p.StartPrice),
			Slope:      cloneBig(p.Slope),
			StartTime:  now,
			Remaining:  new(uint256.Int).Set(p.Amount),
			IsBuy:      p.IsBuy,
			Active:     true,
		}
		b.orders[id] = o
		b.nextID++
		b.journal = append(b.journal, orderCreation{id: id})
		b.dirty[id] = struct{}{}

		b.emit(now, OrderCreated{
			ID:         id,
			Owner:      caller,
			TokenIn:    o.TokenIn,
			TokenOut:   o.TokenOut,
			StartPrice: new(uint256.Int).Set(o.StartPrice),
			Slope:      cloneBig(o.Slope),
			StartTime:  now,
			Amount:     new(uint256.Int).Set(o.Remaining),
			IsBuy:      o.IsBuy,
		})

		if err := b.ledger.Escrow(p.TokenIn, caller, p.Amount); err != nil {
			return fmt.Errorf("order %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func validateParams(p OrderParams) error {
	switch {
	case p.TokenIn == (common.Address{}) || p.TokenOut == (common.Address{}):
		return fmt.Errorf("%w: zero token address", ErrInvalidOrder)
	case p.TokenIn == p.TokenOut:
		return fmt.Errorf("%w: tokenIn equals tokenOut", ErrInvalidOrder)
	case p.Amount == nil || p.Amount.IsZero():
		return fmt.Errorf("%w: zero amount", ErrInvalidOrder)
	case p.StartPrice == nil:
		return fmt.Errorf("%w: missing start price", ErrInvalidOrder)
	case !pricing.SlopeInRange(p.Slope):
		return fmt.Errorf("%w: slope missing or outside int256", ErrInvalidOrder)
	}
	return nil
}

// MatchOrders settles a crossed pair at the sell order's current price.
// The fill is as large as the smaller side allows; anything left stays
// resting. Anyone may call it.
func (b *Book) MatchOrders(taker common.Address, buyID, sellID uint64) (Fill, error) {
	var fill Fill
	err := b.atomic(func() error {
		buy, sell := b.orders[buyID], b.orders[sellID]
		if buy == nil || !buy.Active {
			return fmt.Errorf("%w: order %d", ErrOrderInactive, buyID)
		}
		if sell == nil || !sell.Active {
			return fmt.Errorf("%w: order %d", ErrOrderInactive, sellID)
		}
		if !buy.IsBuy || sell.IsBuy {
			return fmt.Errorf("%w: sides %s/%s", ErrInvalidMatch, buy.Side(), sell.Side())
		}
		if buy.TokenOut != sell.TokenIn || buy.TokenIn != sell.TokenOut {
			return fmt.Errorf("%w: asset mismatch", ErrInvalidMatch)
		}

		now := b.now()
		buyPrice, err := pricing.PriceAt(buy.StartPrice, buy.Slope, buy.StartTime, now)
		if err != nil {
			return fmt.Errorf("order %d: %w", buyID, err)
		}
		sellPrice, err := pricing.PriceAt(sell.StartPrice, sell.Slope, sell.StartTime, now)
		if err != nil {
			return fmt.Errorf("order %d: %w", sellID, err)
		}
		if buyPrice.Lt(sellPrice) {
			return fmt.Errorf("%w: buy %s < sell %s", ErrPriceNotCrossed, buyPrice.Dec(), sellPrice.Dec())
		}

		base, quote := size(buy.Remaining, sell.Remaining, sellPrice)
		if base.IsZero() {
			return ErrZeroAmount
		}

		buyLeft := new(uint256.Int).Sub(buy.Remaining, quote)
		sellLeft := new(uint256.Int).Sub(sell.Remaining, base)
		b.update(buy, buyLeft)
		b.update(sell, sellLeft)
		b.emit(now, OrdersMatched{
			BuyID:       buyID,
			SellID:      sellID,
			Taker:       taker,
			BaseAmount:  new(uint256.Int).Set(base),
			QuoteAmount: new(uint256.Int).Set(quote),
		})

		if err := b.ledger.Release(sell.TokenIn, buy.Owner, base); err != nil {
			return fmt.Errorf("match %d/%d base leg: %w", buyID, sellID, err)
		}
		if err := b.ledger.Release(buy.TokenIn, sell.Owner, quote); err != nil {
			return fmt.Errorf("match %d/%d quote leg: %w", buyID, sellID, err)
		}

		fill = Fill{BuyID: buyID, SellID: sellID, Price: sellPrice, BaseAmount: base, QuoteAmount: quote}
		return nil
	})
	if err != nil {
		return Fill{}, err
	}
	return fill, nil
}

// size computes a fill at sellPrice. The buyer can afford
// buyQuote*Scale/sellPrice base; the trade is capped by what the seller has.
// Both conversions round down, so quote never exceeds buyQuote. A zero price
// lets the buyer take the whole sell side for nothing.
func size(buyQuote, sellBase, sellPrice *uint256.Int) (base, quote *uint256.Int) {
	affordable, overflow := pricing.BaseForQuote(buyQuote, sellPrice)
	if overflow || affordable.Gt(sellBase) {
		base = new(uint256.Int).Set(sellBase)
	} else {
		base = affordable
	}
	quote, _ = pricing.QuoteForBase(base, sellPrice)
	return base, quote
}

// CancelOrder deactivates an order and refunds whatever it still escrows.
func (b *Book) CancelOrder(caller common.Address, id uint64) (*uint256.Int, error) {
	var refund *uint256.Int
	err := b.atomic(func() error {
		o := b.orders[id]
		if o == nil || o.Owner != caller {
			return fmt.Errorf("%w: order %d", ErrNotOwner, id)
		}
		if !o.Active {
			return fmt.Errorf("%w: order %d", ErrOrderInactive, id)
		}

		refund = new(uint256.Int).Set(o.Remaining)
		b.update(o, new(uint256.Int))
		b.emit(b.now(), OrderCancelled{ID: id, Owner: o.Owner})

		if err := b.ledger.Release(o.TokenIn, o.Owner, refund); err != nil {
			return fmt.Errorf("cancel %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// PriceAt evaluates an order's price at an arbitrary timestamp. Inactive
// orders still have a price.
func (b *Book) PriceAt(id, timestamp uint64) (*uint256.Int, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return pricing.PriceAt(o.StartPrice, o.Slope, o.StartTime, timestamp)
}

func (b *Book) GetOrder(id uint64) (*Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

// Orders returns copies of every order, active or not, in id order.
func (b *Book) Orders() []*Order {
	out := make([]*Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrdersByOwner returns copies of owner's orders in id order.
func (b *Book) OrdersByOwner(owner common.Address, activeOnly bool) []*Order {
	var out []*Order
	for _, o := range b.Orders() {
		if o.Owner != owner || (activeOnly && !o.Active) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Escrowed sums Remaining over active orders that escrow token. It equals
// the ledger's custody balance of token whenever no operation is in flight.
func (b *Book) Escrowed(token common.Address) *uint256.Int {
	total := new(uint256.Int)
	for _, o := range b.orders {
		if o.Active && o.TokenIn == token {
			total.Add(total, o.Remaining)
		}
	}
	return total
}

func (b *Book) NextOrderID() uint64 { return b.nextID }
func (b *Book) EventSeq() uint64    { return b.eventSeq }

// Now is the book's current time in unix seconds.
func (b *Book) Now() uint64 { return b.now() }

func (b *Book) now() uint64 {
	ts := b.clock.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// update installs a copy of o with a new remaining amount. An order that
// reaches zero is done.
func (b *Book) update(o *Order, remaining *uint256.Int) {
	b.journal = append(b.journal, orderUpdate{prev: *o})
	next := *o
	next.Remaining = remaining
	next.Active = !remaining.IsZero()
	b.orders[o.ID] = &next
	b.dirty[o.ID] = struct{}{}
}

func (b *Book) emit(now uint64, ev Event) {
	b.eventSeq++
	b.pending = append(b.pending, EventRecord{Seq: b.eventSeq, Time: now, Type: ev.Type(), Event: ev})
	b.journal = append(b.journal, eventEmission{})
}

// atomic runs fn as one all-or-nothing step. Book and ledger changes are
// journaled; an error from fn, or from persisting the outermost step, rolls
// both back. Nested calls join the enclosing step.
func (b *Book) atomic(fn func() error) error {
	bookSnap, ledgerSnap := len(b.journal), b.ledger.Snapshot()
	b.depth++
	err := fn()
	if err == nil && b.depth == 1 {
		err = b.persist()
	}
	b.depth--
	if err != nil {
		b.revert(bookSnap)
		b.ledger.RevertToSnapshot(ledgerSnap)
		return err
	}
	if b.depth == 0 {
		b.publish(b.finalise())
	}
	return nil
}

func (b *Book) persist() error {
	if b.store == nil {
		return nil
	}
	batch := b.store.NewBatch()
	defer batch.Close()

	for id := range b.dirty {
		if o, ok := b.orders[id]; ok {
			if err := batch.PutOrder(o); err != nil {
				return fmt.Errorf("failed to persist order %d: %w", id, err)
			}
		}
	}
	if err := batch.PutBookMeta(b.nextID, b.eventSeq); err != nil {
		return fmt.Errorf("failed to persist book meta: %w", err)
	}
	for _, rec := range b.pending {
		if err := batch.PutEvent(rec); err != nil {
			return fmt.Errorf("failed to persist event %d: %w", rec.Seq, err)
		}
	}
	if err := b.ledger.Flush(batch); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit book batch: %w", err)
	}
	return nil
}

func (b *Book) finalise() []EventRecord {
	b.ledger.Finalise()
	b.journal = b.journal[:0]
	b.dirty = make(map[uint64]struct{})
	events := b.pending
	b.pending = nil
	return events
}

func (b *Book) publish(events []EventRecord) {
	for _, rec := range events {
		for _, s := range b.sinks {
			s.Publish(rec)
		}
	}
}

func cloneBig(x *big.Int) *big.Int { return new(big.Int).Set(x) }
