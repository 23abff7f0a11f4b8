package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/pricing"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/app/venue"
)

var (
	owner = common.HexToAddress("0xa11ce")
	base  = common.HexToAddress("0xba5e")
	quote = common.HexToAddress("0x0e07")
)

type fakeBackend struct {
	orders    map[uint64]*orderbook.Order
	receipts  map[common.Hash]*transaction.Receipt
	events    []orderbook.EventRecord
	submitted [][]byte
	submitErr error
	blockTime uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		orders: map[uint64]*orderbook.Order{
			1: {ID: 1, Owner: owner, TokenIn: base, TokenOut: quote, StartPrice: uint256.NewInt(100), Slope: big.NewInt(-10), StartTime: 50, Remaining: uint256.NewInt(7), Active: true},
		},
		receipts:  map[common.Hash]*transaction.Receipt{},
		blockTime: 55,
	}
}

func (f *fakeBackend) SubmitTx(raw []byte) (common.Hash, error) {
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submitted = append(f.submitted, raw)
	return transaction.Hash(raw), nil
}

func (f *fakeBackend) Receipt(h common.Hash) (*transaction.Receipt, error) { return f.receipts[h], nil }

func (f *fakeBackend) Order(id uint64) (*orderbook.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %d", orderbook.ErrOrderNotFound, id)
}

func (f *fakeBackend) OrdersByOwner(o common.Address, _ bool) []*orderbook.Order {
	var out []*orderbook.Order
	for _, ord := range f.orders {
		if ord.Owner == o {
			out = append(out, ord)
		}
	}
	return out
}

func (f *fakeBackend) PriceAt(id uint64, ts *uint64) (*uint256.Int, error) {
	o, err := f.Order(id)
	if err != nil {
		return nil, err
	}
	at := f.blockTime
	if ts != nil {
		at = *ts
	}
	return pricing.PriceAt(o.StartPrice, o.Slope, o.StartTime, at)
}

func (f *fakeBackend) Balance(token, holder common.Address) *uint256.Int {
	if token == quote && holder == owner {
		return uint256.NewInt(42)
	}
	return new(uint256.Int)
}

func (f *fakeBackend) Custody(common.Address) *uint256.Int { return uint256.NewInt(7) }

func (f *fakeBackend) Events(from uint64, limit int) ([]orderbook.EventRecord, error) {
	var out []orderbook.EventRecord
	for _, e := range f.events {
		if e.Seq >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) Status() venue.Status {
	return venue.Status{Height: 3, BlockTime: f.blockTime, NextOrderID: 2, EventSeq: uint64(len(f.events))}
}

type recordingGossip struct{ txs [][]byte }

func (g *recordingGossip) GossipTx(raw []byte) error {
	g.txs = append(g.txs, raw)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestSubmitTx(t *testing.T) {
	backend, gossip := newFakeBackend(), &recordingGossip{}
	h := NewServer(backend, gossip, nil, nil).Handler()

	rec, body := do(t, h, "POST", "/api/v1/tx", `{"type":"cancel"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "submitted", body["status"])
	assert.Equal(t, transaction.Hash([]byte(`{"type":"cancel"}`)).Hex(), body["txHash"])
	assert.Len(t, gossip.txs, 1)

	backend.submitErr = fmt.Errorf("%w: bad", transaction.ErrBadSignature)
	rec, body = do(t, h, "POST", "/api/v1/tx", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BadSignature", body["error"])

	backend.submitErr = venue.ErrStaleNonce
	rec, _ = do(t, h, "POST", "/api/v1/tx", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, gossip.txs, 1)
}

func TestGetReceipt(t *testing.T) {
	backend := newFakeBackend()
	hash := transaction.Hash([]byte("tx"))
	backend.receipts[hash] = &transaction.Receipt{TxHash: hash, Height: 9, Status: transaction.StatusFailed, Code: "NotOwner"}
	h := NewServer(backend, nil, nil, nil).Handler()

	rec, body := do(t, h, "GET", "/api/v1/tx/"+hash.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NotOwner", body["code"])

	rec, _ = do(t, h, "GET", "/api/v1/tx/"+common.Hash{1}.Hex(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, "GET", "/api/v1/tx/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderAndPrice(t *testing.T) {
	h := NewServer(newFakeBackend(), nil, nil, nil).Handler()

	rec, body := do(t, h, "GET", "/api/v1/orders/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sell", body["side"])
	assert.Equal(t, "base", body["unit"])
	assert.Equal(t, "-10", body["slope"])
	assert.Equal(t, "50", body["currentPrice"])

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/api/v1/orders/1/price", http.StatusOK, "50"},
		{"/api/v1/orders/1/price?at=10", http.StatusOK, "100"},
		{"/api/v1/orders/1/price?at=60", http.StatusOK, "0"},
		{"/api/v1/orders/1/price?at=61", http.StatusUnprocessableEntity, "NegativePrice"},
		{"/api/v1/orders/1/price?at=soon", http.StatusBadRequest, "invalid timestamp"},
		{"/api/v1/orders/2/price", http.StatusNotFound, "OrderNotFound"},
		{"/api/v1/orders/2", http.StatusNotFound, "OrderNotFound"},
		{"/api/v1/orders/18446744073709551616", http.StatusBadRequest, "invalid order id"},
		{"/api/v1/orders/18446744073709551616/price", http.StatusBadRequest, "invalid order id"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, body := do(t, h, "GET", tt.path, "")
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.want, body["price"])
			} else {
				assert.Equal(t, tt.want, body["error"])
			}
		})
	}
}

func TestLedgerAndStatus(t *testing.T) {
	backend := newFakeBackend()
	for seq := uint64(1); seq <= 5; seq++ {
		backend.events = append(backend.events, orderbook.EventRecord{Seq: seq, Type: orderbook.EventOrderCancelled, Event: orderbook.OrderCancelled{ID: seq}})
	}
	h := NewServer(backend, nil, nil, nil).Handler()

	_, body := do(t, h, "GET", "/api/v1/ledger/"+quote.Hex()+"/balances/"+owner.Hex(), "")
	assert.Equal(t, "42", body["balance"])
	_, body = do(t, h, "GET", "/api/v1/ledger/"+base.Hex()+"/custody", "")
	assert.Equal(t, "7", body["balance"])
	rec, _ := do(t, h, "GET", "/api/v1/ledger/nope/custody", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = do(t, h, "GET", "/api/v1/events?from=2&limit=2", "")
	assert.Len(t, body["events"], 2)
	assert.Equal(t, float64(4), body["next"])

	_, body = do(t, h, "GET", "/api/v1/chain/status", "")
	assert.Equal(t, float64(3), body["height"])
	assert.Equal(t, float64(5), body["eventSeq"])

	req := httptest.NewRequest("GET", "/api/v1/accounts/"+owner.Hex()+"/orders", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var orders []OrderInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "7", orders[0].Remaining)
}

func TestHubStopWhileClientReplies(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	c := &Client{hub: hub, send: make(chan []byte, 4), id: "c1", subscriptions: map[string]struct{}{}}
	require.True(t, hub.add(c))
	c.handle([]byte(`{"op":"subscribe","channels":["events"]}`))
	var ack WSAck
	require.NoError(t, json.Unmarshal(<-c.send, &ack))
	assert.Equal(t, "ack", ack.Type)

	hub.Stop()
	<-done
	_, open := <-c.send
	assert.False(t, open)

	assert.NotPanics(t, func() {
		c.handle([]byte(`{"op":"subscribe","channels":["orders:1"]}`))
		c.handle([]byte(`not json`))
		hub.Publish(orderbook.EventRecord{Seq: 1, Type: orderbook.EventOrderCancelled, Event: orderbook.OrderCancelled{ID: 1}})
	})
	assert.False(t, hub.add(&Client{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{}}))
}

func TestWebSocketOrderChannel(t *testing.T) {
	s := NewServer(newFakeBackend(), nil, nil, nil)
	go s.hub.Run()
	defer s.hub.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSAck
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades"}}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "error", ack.Type)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orders:2"}}))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "ack", ack.Type)
	assert.Equal(t, []string{"orders:2"}, ack.Channels)

	s.Hub().Publish(orderbook.EventRecord{Seq: 1, Type: orderbook.EventOrderCancelled, Event: orderbook.OrderCancelled{ID: 1}})
	s.Hub().Publish(orderbook.EventRecord{
		Seq:   2,
		Type:  orderbook.EventOrdersMatched,
		Event: orderbook.OrdersMatched{BuyID: 3, SellID: 2, BaseAmount: uint256.NewInt(1), QuoteAmount: uint256.NewInt(1)},
	})

	var msg struct {
		Type  string              `json:"type"`
		Seq   uint64              `json:"seq"`
		Event orderbook.EventType `json:"event"`
		Data  json.RawMessage     `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, orderbook.EventOrdersMatched, msg.Event)
	assert.Contains(t, string(msg.Data), `"sellId":2`)
}
