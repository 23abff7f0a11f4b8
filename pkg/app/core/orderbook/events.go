package orderbook

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventOrdersMatched  EventType = "orders_matched"
	EventOrderCancelled EventType = "order_cancelled"
)

type Event interface {
	Type() EventType
}

type OrderCreated struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	TokenIn    common.Address `json:"tokenIn"`
	TokenOut   common.Address `json:"tokenOut"`
	StartPrice *uint256.Int   `json:"startPrice"`
	Slope      *big.Int       `json:"slope"`
	StartTime  uint64         `json:"startTime"`
	Amount     *uint256.Int   `json:"amount"`
	IsBuy      bool           `json:"isBuy"`
}

type OrdersMatched struct {
	BuyID       uint64         `json:"buyId"`
	SellID      uint64         `json:"sellId"`
	Taker       common.Address `json:"taker"`
	BaseAmount  *uint256.Int   `json:"baseAmount"`
	QuoteAmount *uint256.Int   `json:"quoteAmount"`
}

type OrderCancelled struct {
	ID    uint64         `json:"id"`
	Owner common.Address `json:"owner"`
}

func (OrderCreated) Type() EventType   { return EventOrderCreated }
func (OrdersMatched) Type() EventType  { return EventOrdersMatched }
func (OrderCancelled) Type() EventType { return EventOrderCancelled }

// EventRecord is an event with its position in the book's history.
// Seq is gapless and starts at 1.
type EventRecord struct {
	Seq   uint64    `json:"seq"`
	Time  uint64    `json:"time"`
	Type  EventType `json:"type"`
	Event Event     `json:"event"`
}

// OrderIDs lists the orders an event touches.
func (r EventRecord) OrderIDs() []uint64 {
	switch e := r.Event.(type) {
	case OrderCreated:
		return []uint64{e.ID}
	case OrdersMatched:
		return []uint64{e.BuyID, e.SellID}
	case OrderCancelled:
		return []uint64{e.ID}
	}
	return nil
}

func (r *EventRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq   uint64          `json:"seq"`
		Time  uint64          `json:"time"`
		Type  EventType       `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ev, err := DecodeEvent(raw.Type, raw.Event)
	if err != nil {
		return err
	}
	*r = EventRecord{Seq: raw.Seq, Time: raw.Time, Type: raw.Type, Event: ev}
	return nil
}

func DecodeEvent(typ EventType, data []byte) (Event, error) {
	switch typ {
	case EventOrderCreated:
		var e OrderCreated
		err := json.Unmarshal(data, &e)
		return e, err
	case EventOrdersMatched:
		var e OrdersMatched
		err := json.Unmarshal(data, &e)
		return e, err
	case EventOrderCancelled:
		var e OrderCancelled
		err := json.Unmarshal(data, &e)
		return e, err
	}
	return nil, fmt.Errorf("unknown event type %q", typ)
}

// EventSink receives events after the operation that emitted them has been
// committed. Sinks must not call back into the book.
type EventSink interface {
	Publish(rec EventRecord)
}

type EventSinkFunc func(rec EventRecord)

func (f EventSinkFunc) Publish(rec EventRecord) { f(rec) }
