package orderbook

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/util"
)

func newBenchBook(b *testing.B) *Book {
	b.Helper()
	l := ledger.NewMemLedger(custody)
	for _, who := range []common.Address{alice, bob} {
		for _, tok := range []common.Address{base, quote} {
			if err := l.Mint(tok, who, e18(1_000_000_000)); err != nil {
				b.Fatal(err)
			}
		}
	}
	l.Finalise()
	return New(l, util.NewManualClock(time.Unix(1_700_000_000, 0)))
}

// BenchmarkCreateOrder measures escrow plus journaling for one order.
func BenchmarkCreateOrder(b *testing.B) {
	book := newBenchBook(b)
	p := OrderParams{TokenIn: quote, TokenOut: base, StartPrice: e18(1), Slope: big.NewInt(-1), Amount: uint256.NewInt(1000), IsBuy: true}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := book.CreateOrder(alice, p); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMatchOrders measures a full create-create-match cycle.
func BenchmarkMatchOrders(b *testing.B) {
	book := newBenchBook(b)
	buy := OrderParams{TokenIn: quote, TokenOut: base, StartPrice: e18(2), Slope: new(big.Int), Amount: e18(2), IsBuy: true}
	sell := OrderParams{TokenIn: base, TokenOut: quote, StartPrice: e18(1), Slope: new(big.Int), Amount: e18(1)}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buyID, err := book.CreateOrder(alice, buy)
		if err != nil {
			b.Fatal(err)
		}
		sellID, err := book.CreateOrder(bob, sell)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := book.MatchOrders(alice, buyID, sellID); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPriceAt measures the linear price evaluation on a resting order.
func BenchmarkPriceAt(b *testing.B) {
	book := newBenchBook(b)
	id, err := book.CreateOrder(bob, OrderParams{TokenIn: base, TokenOut: quote, StartPrice: e18(5), Slope: slope(-1), Amount: e18(1)})
	if err != nil {
		b.Fatal(err)
	}
	ts := book.Now() + 3
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := book.PriceAt(id, ts); err != nil {
			b.Fatal(err)
		}
	}
}
