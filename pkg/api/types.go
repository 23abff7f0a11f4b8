package api

import (
	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
)

// API response types for REST endpoints and WebSocket messages.
// 256-bit quantities are decimal strings.

// ==============================
// REST Response Types
// ==============================

// OrderInfo is an order as stored, plus its price at the last block.
type OrderInfo struct {
	ID           uint64 `json:"id"`
	Owner        string `json:"owner"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	Side         string `json:"side"` // "buy" or "sell"
	Unit         string `json:"unit"` // unit of remaining: "quote" for buys, "base" for sells
	StartPrice   string `json:"startPrice"`
	Slope        string `json:"slope"`
	StartTime    uint64 `json:"startTime"`
	Remaining    string `json:"remaining"`
	Active       bool   `json:"active"`
	CurrentPrice string `json:"currentPrice,omitempty"` // empty when the price is negative
}

func toOrderInfo(o *orderbook.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Owner:      o.Owner.Hex(),
		TokenIn:    o.TokenIn.Hex(),
		TokenOut:   o.TokenOut.Hex(),
		Side:       o.Side(),
		Unit:       o.Unit().String(),
		StartPrice: o.StartPrice.Dec(),
		Slope:      o.Slope.String(),
		StartTime:  o.StartTime,
		Remaining:  o.Remaining.Dec(),
		Active:     o.Active,
	}
}

type PriceResponse struct {
	OrderID   uint64 `json:"orderId"`
	Timestamp uint64 `json:"timestamp"`
	Price     string `json:"price"`
}

type BalanceResponse struct {
	Token   string `json:"token"`
	Holder  string `json:"holder,omitempty"`
	Balance string `json:"balance"`
}

type EventsResponse struct {
	Events []orderbook.EventRecord `json:"events"`
	Next   uint64                  `json:"next"` // pass as "from" to continue
}

// ChainStatus is the node's view of the sequenced chain.
type ChainStatus struct {
	Height      uint64 `json:"height"`
	BlockTime   uint64 `json:"blockTime"`
	NextOrderID uint64 `json:"nextOrderId"`
	EventSeq    uint64 `json:"eventSeq"`
	MempoolSize int    `json:"mempoolSize"`
}

// SubmitTxResponse is the response from transaction submission
type SubmitTxResponse struct {
	Status string `json:"status"` // "submitted"
	TxHash string `json:"txHash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "events" or "orders:<id>"
}

// WSAck answers a subscribe request, or reports why it was refused.
type WSAck struct {
	Type     string   `json:"type"` // "ack" or "error"
	Op       string   `json:"op,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// WSEvent is pushed for every committed book event.
type WSEvent struct {
	Type  string              `json:"type"` // "event"
	Seq   uint64              `json:"seq"`
	Time  uint64              `json:"time"`
	Event orderbook.EventType `json:"event"`
	Data  orderbook.Event     `json:"data"`
}
