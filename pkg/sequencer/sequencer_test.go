package sequencer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/uhyunpark/lazybook/pkg/crypto"
	"github.com/uhyunpark/lazybook/pkg/util"
)

// countingApp hashes every block it executes into a running state.
type countingApp struct {
	pending  [][]byte
	state    Hash
	staged   Hash
	blocks   []uint64
	discards int
	store    *memBlocks
	// commitErr fails the next CommitBlock.
	commitErr error
}

func (a *countingApp) SelectTxs(int64) [][]byte {
	txs := a.pending
	a.pending = nil
	return txs
}

func (a *countingApp) ExecuteBlock(height, ts uint64, txs [][]byte) (Hash, error) {
	h := sha256.New()
	h.Write(a.state[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], ts)
	h.Write(buf[:])
	for _, tx := range txs {
		h.Write(tx)
	}
	copy(a.staged[:], h.Sum(nil))
	a.blocks = append(a.blocks, height)
	return a.staged, nil
}

func (a *countingApp) CommitBlock(b Block) error {
	if err := a.commitErr; err != nil {
		a.commitErr = nil
		a.staged = a.state
		return err
	}
	a.state = a.staged
	return a.store.SaveBlock(b)
}

func (a *countingApp) DiscardBlock() error {
	a.staged = a.state
	a.discards++
	return nil
}

type memBlocks struct {
	blocks map[uint64]Block
	head   uint64
}

func newMemBlocks() *memBlocks { return &memBlocks{blocks: make(map[uint64]Block)} }

func (m *memBlocks) SaveBlock(b Block) error {
	m.blocks[b.Height] = b
	m.head = b.Height
	return nil
}

func (m *memBlocks) GetBlock(h uint64) (Block, bool, error) {
	b, ok := m.blocks[h]
	return b, ok, nil
}

func (m *memBlocks) Head() (Block, bool, error) {
	b, ok := m.blocks[m.head]
	return b, ok, nil
}

type recordingNet struct{ blocks []Block }

func (n *recordingNet) BroadcastBlock(b Block) error {
	n.blocks = append(n.blocks, b)
	return nil
}

func newLeader(t *testing.T, clock util.Clock, cfg Config) (*Sequencer, *countingApp, *recordingNet) {
	t.Helper()
	signer, err := crypto.NewBLSSignerFromSeed([]byte("sequencer"))
	if err != nil {
		t.Fatal(err)
	}
	blocks := newMemBlocks()
	app := &countingApp{store: blocks}
	net := &recordingNet{}
	s := New(app, blocks, clock, cfg, nil)
	s.Signer, s.Pubkey, s.Net = signer, signer.Pubkey(), net
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s, app, net
}

func newFollower(t *testing.T, clock util.Clock) (*Sequencer, *countingApp) {
	t.Helper()
	signer, err := crypto.NewBLSSignerFromSeed([]byte("sequencer"))
	if err != nil {
		t.Fatal(err)
	}
	blocks := newMemBlocks()
	app := &countingApp{store: blocks}
	s := New(app, blocks, clock, Config{}, nil)
	s.Pubkey = signer.Pubkey()
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s, app
}

func TestStepChainsBlocks(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	s, app, net := newLeader(t, clock, Config{MaxBlockBytes: 1 << 20})
	ctx := context.Background()

	app.pending = [][]byte{[]byte("tx1"), []byte("tx2")}
	b1, ok, err := s.Step(ctx)
	if err != nil || !ok {
		t.Fatalf("Step() = %v, %v", ok, err)
	}
	if b1.Height != 1 || b1.Time != 1000 || b1.Parent != (Hash{}) {
		t.Errorf("block 1 = height %d time %d parent %s", b1.Height, b1.Time, b1.Parent)
	}

	clock.Advance(2 * time.Second)
	b2, _, err := s.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Height != 2 || b2.Time != 1002 {
		t.Errorf("block 2 = height %d time %d, want 2 1002", b2.Height, b2.Time)
	}
	if b2.Parent != HashOfBlock(b1) {
		t.Errorf("block 2 parent = %s, want %s", b2.Parent, HashOfBlock(b1))
	}
	hash := HashOfBlock(b2)
	if !crypto.VerifyBLS(s.Pubkey, b2.Sig, hash[:]) {
		t.Error("block 2 signature does not verify")
	}
	if len(net.blocks) != 2 {
		t.Errorf("broadcast %d blocks, want 2", len(net.blocks))
	}
	if head, _ := s.Head(); head.Height != 2 {
		t.Errorf("head = %d, want 2", head.Height)
	}
}

func TestStepSkipsEmpty(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	s, app, _ := newLeader(t, clock, Config{SkipEmpty: true})

	if _, ok, err := s.Step(context.Background()); ok || err != nil {
		t.Fatalf("Step() on empty mempool = %v, %v; want false, nil", ok, err)
	}
	if len(app.blocks) != 0 {
		t.Errorf("executed %d blocks, want 0", len(app.blocks))
	}
}

func TestStepCommitFailure(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	s, app, net := newLeader(t, clock, Config{})
	ctx := context.Background()

	app.pending = [][]byte{[]byte("tx1")}
	b1, _, err := s.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}

	diskFull := errors.New("disk full")
	app.commitErr = diskFull
	app.pending = [][]byte{[]byte("tx2")}
	if _, _, err := s.Step(ctx); !errors.Is(err, diskFull) {
		t.Fatalf("Step() = %v, want %v", err, diskFull)
	}
	if head, _ := s.Head(); head.Height != 1 {
		t.Errorf("head = %d, want 1", head.Height)
	}
	if len(net.blocks) != 1 {
		t.Errorf("broadcast %d blocks, want 1", len(net.blocks))
	}

	b2, _, err := s.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Height != 2 || b2.Parent != HashOfBlock(b1) {
		t.Errorf("retry = height %d parent %s, want 2 %s", b2.Height, b2.Parent, HashOfBlock(b1))
	}
}

type steppedClock struct {
	*util.ManualClock
	times []int64
}

func (c *steppedClock) Now() time.Time {
	ts := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return time.Unix(ts, 0)
}

func TestBlockTimeNeverRegresses(t *testing.T) {
	clock := &steppedClock{ManualClock: util.NewManualClock(time.Unix(0, 0)), times: []int64{500, 400}}
	s, _, _ := newLeader(t, clock, Config{})

	b1, _, err := s.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b2, _, err := s.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b1.Time != 500 || b2.Time != 500 {
		t.Errorf("times = %d, %d; want 500, 500", b1.Time, b2.Time)
	}
}

func TestFollowerApply(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	leader, lapp, net := newLeader(t, clock, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		lapp.pending = [][]byte{{byte(i)}}
		if _, _, err := leader.Step(ctx); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}

	follower, fapp := newFollower(t, clock)
	for _, b := range net.blocks {
		if err := follower.Apply(b); err != nil {
			t.Fatalf("Apply(%d) = %v", b.Height, err)
		}
	}
	if fapp.state != lapp.state {
		t.Error("follower state diverged from leader")
	}
	if head, _ := follower.Head(); head.Height != 3 {
		t.Errorf("follower head = %d, want 3", head.Height)
	}
}

func TestFollowerRejects(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	leader, _, net := newLeader(t, clock, Config{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, _, err := leader.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	b1, b2 := net.blocks[0], net.blocks[1]

	forged := b1
	forged.Sig = append([]byte(nil), b1.Sig...)
	forged.Sig[len(forged.Sig)-1] ^= 1

	wrongState := b1
	wrongState.AppHash = Hash{0xee}
	h := HashOfBlock(wrongState)
	signer, _ := crypto.NewBLSSignerFromSeed([]byte("sequencer"))
	wrongState.Sig = signer.Sign(h[:])

	tests := []struct {
		name     string
		block    Block
		want     error
		discards int
	}{
		{"skips height", b2, ErrUnexpectedHeight, 0},
		{"bad signature", forged, ErrBadBlockSig, 0},
		{"app hash mismatch", wrongState, ErrAppHashMismatch, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, app := newFollower(t, clock)
			if err := f.Apply(tt.block); !errors.Is(err, tt.want) {
				t.Errorf("Apply() = %v, want %v", err, tt.want)
			}
			if _, ok := f.Head(); ok {
				t.Error("rejected block became head")
			}
			if app.discards != tt.discards {
				t.Errorf("discards = %d, want %d", app.discards, tt.discards)
			}
			if app.state != (Hash{}) || len(app.store.blocks) != 0 {
				t.Error("rejected block left committed state behind")
			}
		})
	}

	t.Run("parent mismatch", func(t *testing.T) {
		f, _ := newFollower(t, clock)
		if err := f.Apply(b1); err != nil {
			t.Fatal(err)
		}
		orphan := b2
		orphan.Parent = Hash{1}
		if err := f.Apply(orphan); !errors.Is(err, ErrParentMismatch) {
			t.Errorf("Apply() = %v, want %v", err, ErrParentMismatch)
		}
	})
}

type netFetcher struct {
	blocks  map[uint64]Block
	fetched []uint64
}

func (f *netFetcher) FetchBlock(_ context.Context, h uint64) (Block, bool, error) {
	f.fetched = append(f.fetched, h)
	b, ok := f.blocks[h]
	return b, ok, nil
}

func TestFollowFillsGap(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1000, 0))
	leader, lapp, net := newLeader(t, clock, Config{})
	for i := 0; i < 4; i++ {
		lapp.pending = [][]byte{{byte(i)}}
		if _, _, err := leader.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	fetch := &netFetcher{blocks: map[uint64]Block{}}
	for _, b := range net.blocks {
		fetch.blocks[b.Height] = b
	}

	follower, fapp := newFollower(t, clock)
	if err := follower.Follow(context.Background(), net.blocks[3], fetch); err != nil {
		t.Fatalf("Follow() = %v", err)
	}
	if got := fmt.Sprint(fetch.fetched); got != "[1 2 3]" {
		t.Errorf("fetched %s, want [1 2 3]", got)
	}
	if fapp.state != lapp.state {
		t.Error("follower state diverged from leader")
	}
	// A stale block is a no-op.
	if err := follower.Follow(context.Background(), net.blocks[1], fetch); err != nil {
		t.Errorf("Follow(stale) = %v", err)
	}

	behind, _ := newFollower(t, clock)
	delete(fetch.blocks, 2)
	if err := behind.Follow(context.Background(), net.blocks[3], fetch); !errors.Is(err, ErrBlockUnavailable) {
		t.Errorf("Follow() with missing block = %v, want %v", err, ErrBlockUnavailable)
	}
}
