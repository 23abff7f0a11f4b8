package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

type mapBlocks map[uint64]sequencer.Block

func (m mapBlocks) GetBlock(h uint64) (sequencer.Block, bool, error) {
	b, ok := m[h]
	return b, ok, nil
}

func newPair(t *testing.T, blocks BlockSource) (*Libp2pNet, *Libp2pNet) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Blocks: blocks})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, b.Host().Connect(ctx, peer.AddrInfo{ID: a.Host().ID(), Addrs: a.Host().Addrs()}))
	return a, b
}

func TestFetchBlock(t *testing.T) {
	stored := sequencer.Block{Height: 4, Time: 99, Txs: [][]byte{[]byte("x")}, AppHash: sequencer.Hash{7}, Sig: []byte{1, 2}}
	_, b := newPair(t, mapBlocks{4: stored})

	got, found, err := b.FetchBlock(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sequencer.HashOfBlock(stored), sequencer.HashOfBlock(got))
	assert.Equal(t, stored.Sig, got.Sig)

	_, found, err = b.FetchBlock(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGossip(t *testing.T) {
	a, b := newPair(t, nil)

	var mu sync.Mutex
	var txs [][]byte
	var blocks []sequencer.Block
	b.SetHandlers(Handlers{
		OnTx: func(raw []byte) {
			mu.Lock()
			txs = append(txs, raw)
			mu.Unlock()
		},
		OnBlock: func(blk sequencer.Block) {
			mu.Lock()
			blocks = append(blocks, blk)
			mu.Unlock()
		},
	})
	var selfDelivered atomic.Bool
	a.SetHandlers(Handlers{OnTx: func([]byte) { selfDelivered.Store(true) }})

	// The gossip mesh forms asynchronously; keep publishing until it has.
	require.Eventually(t, func() bool {
		_ = a.GossipTx([]byte("tx"))
		_ = a.BroadcastBlock(sequencer.Block{Height: 1, Time: 5})
		mu.Lock()
		defer mu.Unlock()
		return len(txs) > 0 && len(blocks) > 0
	}, 15*time.Second, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("tx"), txs[0])
	assert.Equal(t, uint64(1), blocks[0].Height)
	assert.False(t, selfDelivered.Load())
}
