package storage

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/sequencer"
	"github.com/uhyunpark/lazybook/pkg/util"
)

var (
	custody = common.HexToAddress("0xc057")
	base    = common.HexToAddress("0xba5e")
	quote   = common.HexToAddress("0x0e07")
	alice   = common.HexToAddress("0xa11ce")
	bob     = common.HexToAddress("0xb0b")
)

func openStore(t *testing.T, dir string) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(dir, "db"))
	require.NoError(t, err)
	return s
}

func TestBookStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	store := openStore(t, dir)
	bb := store.NewBlockBatch()
	led := ledger.NewMemLedger(custody)
	require.NoError(t, led.Mint(quote, alice, uint256.NewInt(1000)))
	require.NoError(t, led.Mint(base, bob, uint256.NewInt(1000)))
	genesis := bb.NewBatch()
	require.NoError(t, led.Flush(genesis))
	require.NoError(t, genesis.Commit())
	require.NoError(t, genesis.Close())
	led.Finalise()

	book := orderbook.New(led, clock, orderbook.WithStore(bb))
	buyID, err := book.CreateOrder(alice, orderbook.OrderParams{
		TokenIn: quote, TokenOut: base, StartPrice: uint256.NewInt(2e18), Slope: big.NewInt(-7), Amount: uint256.NewInt(100), IsBuy: true,
	})
	require.NoError(t, err)
	sellID, err := book.CreateOrder(bob, orderbook.OrderParams{
		TokenIn: base, TokenOut: quote, StartPrice: uint256.NewInt(1e18), Slope: big.NewInt(0), Amount: uint256.NewInt(30),
	})
	require.NoError(t, err)
	_, err = book.MatchOrders(alice, buyID, sellID)
	require.NoError(t, err)
	require.NoError(t, bb.Commit())
	require.NoError(t, bb.Close())
	require.NoError(t, store.Close())

	store = openStore(t, dir)
	defer store.Close()

	orders, err := store.LoadOrders()
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, uint64(70), orders[0].Remaining.Uint64())
	assert.Equal(t, int64(-7), orders[0].Slope.Int64())
	assert.False(t, orders[1].Active)

	next, seq, err := store.LoadBookMeta()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
	assert.Equal(t, uint64(3), seq)

	balances, err := store.LoadBalances()
	require.NoError(t, err)
	restored := ledger.NewMemLedger(custody)
	restored.Load(balances)
	assert.Equal(t, uint64(30), restored.BalanceOf(base, alice).Uint64())
	assert.Equal(t, uint64(30), restored.BalanceOf(quote, bob).Uint64())
	assert.Equal(t, uint64(70), restored.Custody(quote).Uint64())
	assert.True(t, restored.Custody(base).IsZero())

	events, err := store.LoadEvents(2, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, orderbook.EventOrderCreated, events[0].Type)
	matched, ok := events[1].Event.(orderbook.OrdersMatched)
	require.True(t, ok)
	assert.Equal(t, uint64(30), matched.BaseAmount.Uint64())
	assert.Equal(t, []uint64{buyID, sellID}, events[1].OrderIDs())
}

func TestBlockBatchCommitsTogether(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	h := transaction.Hash([]byte("tx"))
	r := &transaction.Receipt{
		TxHash: h, Height: 1, Index: 1, Type: transaction.TxTypeCancel, Signer: bob,
		Status: transaction.StatusOK, OrderID: 9, Refund: uint256.NewInt(12),
	}
	b1 := sequencer.Block{Height: 1, Time: 100, Txs: [][]byte{[]byte("tx")}, AppHash: sequencer.Hash{1}}

	stage := func(bb *BlockBatch) {
		op := bb.NewBatch()
		require.NoError(t, op.PutBookMeta(2, 1))
		require.NoError(t, op.Commit())
		require.NoError(t, op.Close())
		dropped := bb.NewBatch()
		require.NoError(t, dropped.PutBookMeta(7, 7))
		require.NoError(t, dropped.Close())
		require.NoError(t, bb.SetNonce(alice, 3))
		require.NoError(t, bb.SetNonce(bob, 8))
		require.NoError(t, bb.SetNonce(alice, 4))
		require.NoError(t, bb.PutReceipt(r))
		require.NoError(t, bb.SaveBlock(b1))
	}

	// A batch that is never committed leaves no trace.
	abandoned := store.NewBlockBatch()
	stage(abandoned)
	require.NoError(t, abandoned.Close())
	missing, err := store.GetReceipt(h)
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, ok, err := store.Head()
	require.NoError(t, err)
	assert.False(t, ok)

	bb := store.NewBlockBatch()
	stage(bb)
	require.NoError(t, bb.Commit())
	require.NoError(t, bb.Close())
	require.NoError(t, store.Close())

	store = openStore(t, dir)
	defer store.Close()
	got, err := store.GetReceipt(h)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(9), got.OrderID)
	assert.Equal(t, "12", got.Refund.Dec())

	nonces, err := store.LoadNonces()
	require.NoError(t, err)
	assert.Equal(t, map[common.Address]uint64{alice: 4, bob: 8}, nonces)

	next, seq, err := store.LoadBookMeta()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
	assert.Equal(t, uint64(1), seq)

	head, ok, err := store.Head()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sequencer.HashOfBlock(b1), sequencer.HashOfBlock(head))
}

func TestBlocks(t *testing.T) {
	pebbleStore := openStore(t, t.TempDir())
	defer pebbleStore.Close()
	memStore := NewInMemoryBlockStore()

	stores := map[string]struct {
		sequencer.BlockStore
		save func(sequencer.Block) error
	}{
		"pebble": {pebbleStore, func(b sequencer.Block) error {
			bb := pebbleStore.NewBlockBatch()
			defer bb.Close()
			if err := bb.SaveBlock(b); err != nil {
				return err
			}
			return bb.Commit()
		}},
		"memory": {memStore, memStore.SaveBlock},
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Head()
			require.NoError(t, err)
			assert.False(t, ok)

			b1 := sequencer.Block{Height: 1, Time: 100, Txs: [][]byte{[]byte("a")}, AppHash: sequencer.Hash{1}}
			b2 := sequencer.Block{Height: 2, Parent: sequencer.HashOfBlock(b1), Time: 101, Sig: []byte{9}}
			require.NoError(t, store.save(b1))
			require.NoError(t, store.save(b2))

			head, ok, err := store.Head()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(2), head.Height)
			assert.Equal(t, sequencer.HashOfBlock(b1), head.Parent)

			got, ok, err := store.GetBlock(1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, sequencer.HashOfBlock(b1), sequencer.HashOfBlock(got))
		})
	}
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ord;"), keyUpperBound([]byte("ord:")))
	assert.Equal(t, []byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff}))
}

func TestFileWALAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	wal, err := NewFileWAL(path)
	require.NoError(t, err)
	wal.Append("execute height=1")
	wal.Append("commit height=1")
	require.NoError(t, wal.Close())

	reopened, err := NewFileWAL(path)
	require.NoError(t, err)
	reopened.Append("execute height=2")
	require.NoError(t, reopened.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "00000001 execute height=1\n00000002 commit height=1\n00000003 execute height=2\n", string(data))
}
