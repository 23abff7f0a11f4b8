// Package events fans committed book events out to observers.
package events

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
)

// Fanout delivers every record to each sink in order.
type Fanout []orderbook.EventSink

func (f Fanout) Publish(rec orderbook.EventRecord) {
	for _, s := range f {
		s.Publish(rec)
	}
}

// LogSink writes one structured line per event.
type LogSink struct {
	Logger *zap.SugaredLogger
}

func (s LogSink) Publish(rec orderbook.EventRecord) {
	fields := []interface{}{"seq", rec.Seq, "time", rec.Time}
	switch ev := rec.Event.(type) {
	case orderbook.OrderCreated:
		fields = append(fields, "id", ev.ID, "owner", ev.Owner.Hex(), "side", side(ev.IsBuy),
			"start_price", ev.StartPrice.Dec(), "slope", ev.Slope.String(), "amount", ev.Amount.Dec())
	case orderbook.OrdersMatched:
		fields = append(fields, "buy_id", ev.BuyID, "sell_id", ev.SellID, "taker", ev.Taker.Hex(),
			"base", ev.BaseAmount.Dec(), "quote", ev.QuoteAmount.Dec())
	case orderbook.OrderCancelled:
		fields = append(fields, "id", ev.ID, "owner", ev.Owner.Hex())
	}
	s.Logger.Infow(string(rec.Type), fields...)
}

func side(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}

var (
	_ orderbook.EventSink = Fanout(nil)
	_ orderbook.EventSink = LogSink{}
)
