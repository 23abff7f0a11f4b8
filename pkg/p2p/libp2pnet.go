package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

const (
	topicTx        = "lazybook/tx/1"
	topicBlock     = "lazybook/block/1"
	protocolBlocks = protocol.ID("/lazybook/blocks/1.0.0")

	maxBlockResponse = 64 << 20
)

// Handlers receive gossip from other peers. Messages this node published
// are not delivered back.
type Handlers struct {
	OnTx    func(raw []byte)
	OnBlock func(b sequencer.Block)
}

// BlockSource answers block requests from peers that are catching up.
type BlockSource interface {
	GetBlock(height uint64) (sequencer.Block, bool, error)
}

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tTx, tBlock     *pubsub.Topic
	subTx, subBlock *pubsub.Subscription

	blocks BlockSource

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Blocks     BlockSource
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger, blocks: cfg.Blocks}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	if net.blocks != nil {
		h.SetStreamHandler(protocolBlocks, net.handleBlockStream)
	}

	go net.handleTxs(ctx)
	go net.handleBlocks(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tTx, err = n.ps.Join(topicTx); err != nil {
		return err
	}
	if n.tBlock, err = n.ps.Join(topicBlock); err != nil {
		return err
	}

	if n.subTx, err = n.tTx.Subscribe(); err != nil {
		return err
	}
	if n.subBlock, err = n.tBlock.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) Close() error { return n.h.Close() }

// GossipTx relays a submitted transaction so the sequencer sees it.
func (n *Libp2pNet) GossipTx(raw []byte) error {
	return n.tTx.Publish(context.Background(), raw)
}

// BroadcastBlock ships a sealed block to followers.
func (n *Libp2pNet) BroadcastBlock(b sequencer.Block) error {
	bb, err := gobEncode(b)
	if err != nil {
		return err
	}
	data, err := gobEncode(BlockWire{Block: bb})
	if err != nil {
		return err
	}
	return n.tBlock.Publish(context.Background(), data)
}

var _ sequencer.Broadcaster = (*Libp2pNet)(nil)

// FetchBlock asks connected peers for a block, one at a time, until one has it.
func (n *Libp2pNet) FetchBlock(ctx context.Context, height uint64) (sequencer.Block, bool, error) {
	peers := n.h.Network().Peers()
	if len(peers) == 0 {
		return sequencer.Block{}, false, errors.New("no peers connected")
	}
	var lastErr error
	for _, p := range peers {
		b, found, err := n.requestBlock(ctx, p, height)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return b, true, nil
		}
	}
	return sequencer.Block{}, false, lastErr
}

func (n *Libp2pNet) requestBlock(ctx context.Context, p peer.ID, height uint64) (sequencer.Block, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := n.h.NewStream(ctx, p, protocolBlocks)
	if err != nil {
		return sequencer.Block{}, false, err
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	req, err := gobEncode(BlockRequest{Height: height})
	if err != nil {
		return sequencer.Block{}, false, err
	}
	if _, err := stream.Write(req); err != nil {
		return sequencer.Block{}, false, err
	}
	if err := stream.CloseWrite(); err != nil {
		return sequencer.Block{}, false, err
	}

	data, err := io.ReadAll(io.LimitReader(stream, maxBlockResponse))
	if err != nil {
		return sequencer.Block{}, false, err
	}
	var resp BlockResponse
	if err := gobDecode(data, &resp); err != nil {
		return sequencer.Block{}, false, fmt.Errorf("bad block response from %s: %w", p, err)
	}
	if !resp.Found {
		return sequencer.Block{}, false, nil
	}
	var b sequencer.Block
	if err := gobDecode(resp.Block, &b); err != nil {
		return sequencer.Block{}, false, err
	}
	if b.Height != height {
		return sequencer.Block{}, false, fmt.Errorf("peer %s answered height %d for %d", p, b.Height, height)
	}
	return b, true, nil
}

// inbound

func (n *Libp2pNet) handleTxs(ctx context.Context) {
	for {
		msg, err := n.subTx.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}

		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()
		if h.OnTx != nil {
			h.OnTx(msg.Data)
		}
	}
}

func (n *Libp2pNet) handleBlocks(ctx context.Context) {
	for {
		msg, err := n.subBlock.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w BlockWire
		if err := gobDecode(msg.Data, &w); err != nil {
			n.log.Debugw("bad_block_gossip", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		var blk sequencer.Block
		if err := gobDecode(w.Block, &blk); err != nil {
			continue
		}

		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()
		if h.OnBlock != nil {
			h.OnBlock(blk)
		}
	}
}

// handleBlockStream serves one block request per stream.
func (n *Libp2pNet) handleBlockStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, 1<<10))
	if err != nil {
		return
	}
	var req BlockRequest
	if err := gobDecode(data, &req); err != nil {
		return
	}

	var resp BlockResponse
	b, found, err := n.blocks.GetBlock(req.Height)
	if err != nil {
		n.log.Warnw("block_request_failed", "height", req.Height, "err", err)
		return
	}
	if found {
		if resp.Block, err = gobEncode(b); err != nil {
			return
		}
		resp.Found = true
	}
	out, err := gobEncode(resp)
	if err != nil {
		return
	}
	_, _ = s.Write(out)
}
