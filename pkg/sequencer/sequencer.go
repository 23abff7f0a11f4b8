package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/crypto"
	"github.com/uhyunpark/lazybook/pkg/util"
)

var (
	ErrUnexpectedHeight = errors.New("unexpected block height")
	ErrParentMismatch   = errors.New("block parent does not match head")
	ErrTimeRegression   = errors.New("block time before parent")
	ErrBadBlockSig      = errors.New("invalid block signature")
	ErrAppHashMismatch  = errors.New("app hash mismatch")
)

type Config struct {
	// MinBlockTime paces block production.
	MinBlockTime  time.Duration
	MaxBlockBytes int64
	// SkipEmpty suppresses blocks with no transactions.
	SkipEmpty bool
}

// Sequencer gives every transaction its single global position. It produces
// blocks when it holds the signing key and applies gossiped blocks otherwise.
type Sequencer struct {
	App    App
	Store  BlockStore
	WAL    WAL
	Clock  util.Clock
	Signer *crypto.BLSSigner // nil on followers
	Pubkey *crypto.BLSPubKey // expected block signer
	Net    Broadcaster
	Cfg    Config

	Logger *zap.SugaredLogger
	// OnCommit runs after a block is executed and stored.
	OnCommit func(b Block)

	mu      sync.Mutex
	head    Block
	hasHead bool
}

func New(app App, store BlockStore, clock util.Clock, cfg Config, logger *zap.SugaredLogger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sequencer{App: app, Store: store, Clock: clock, Cfg: cfg, Logger: logger}
}

// Init loads the last stored block.
func (s *Sequencer) Init() error {
	head, ok, err := s.Store.Head()
	if err != nil {
		return fmt.Errorf("failed to load head: %w", err)
	}
	s.mu.Lock()
	s.head, s.hasHead = head, ok
	s.mu.Unlock()
	if ok {
		s.Logger.Infow("sequencer_resume", "height", head.Height, "app_hash", head.AppHash.String())
	}
	return nil
}

func (s *Sequencer) Head() (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.hasHead
}

// Run produces a block every MinBlockTime until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	if s.Signer == nil {
		return errors.New("sequencer has no signing key")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(s.Cfg.MinBlockTime):
		}
		if _, _, err := s.Step(ctx); err != nil {
			return err
		}
	}
}

// Step seals at most one block. It reports false when there was nothing to
// seal and empty blocks are skipped.
func (s *Sequencer) Step(ctx context.Context) (Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, false, err
	}
	txs := s.App.SelectTxs(s.Cfg.MaxBlockBytes)
	if len(txs) == 0 && s.Cfg.SkipEmpty {
		return Block{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := Block{Height: 1, Txs: txs}
	now := s.Clock.Now().Unix()
	if now > 0 {
		b.Time = uint64(now)
	}
	if s.hasHead {
		b.Height = s.head.Height + 1
		b.Parent = HashOfBlock(s.head)
		if b.Time < s.head.Time {
			b.Time = s.head.Time
		}
	}

	if s.WAL != nil {
		s.WAL.Append(fmt.Sprintf("execute height=%d time=%d txs=%d", b.Height, b.Time, len(txs)))
	}
	appHash, err := s.App.ExecuteBlock(b.Height, b.Time, txs)
	if err != nil {
		return Block{}, false, fmt.Errorf("execute block %d: %w", b.Height, err)
	}
	b.AppHash = appHash
	hash := HashOfBlock(b)
	b.Sig = s.Signer.Sign(hash[:])

	if err := s.commitLocked(b); err != nil {
		return Block{}, false, err
	}
	if s.Net != nil {
		if err := s.Net.BroadcastBlock(b); err != nil {
			s.Logger.Warnw("block_broadcast_failed", "height", b.Height, "err", err)
		}
	}
	return b, true, nil
}

// Apply executes a block sealed elsewhere. A mismatching app hash means this
// node's state has diverged and it must stop.
func (s *Sequencer) Apply(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantHeight := uint64(1)
	var wantParent Hash
	if s.hasHead {
		wantHeight = s.head.Height + 1
		wantParent = HashOfBlock(s.head)
	}
	if b.Height != wantHeight {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedHeight, b.Height, wantHeight)
	}
	if b.Parent != wantParent {
		return fmt.Errorf("%w at height %d", ErrParentMismatch, b.Height)
	}
	if s.hasHead && b.Time < s.head.Time {
		return fmt.Errorf("%w: %d < %d", ErrTimeRegression, b.Time, s.head.Time)
	}
	hash := HashOfBlock(b)
	if !crypto.VerifyBLS(s.Pubkey, b.Sig, hash[:]) {
		return fmt.Errorf("%w at height %d", ErrBadBlockSig, b.Height)
	}

	if s.WAL != nil {
		s.WAL.Append(fmt.Sprintf("apply height=%d time=%d txs=%d", b.Height, b.Time, len(b.Txs)))
	}
	appHash, err := s.App.ExecuteBlock(b.Height, b.Time, b.Txs)
	if err != nil {
		return fmt.Errorf("execute block %d: %w", b.Height, err)
	}
	if appHash != b.AppHash {
		s.Logger.Errorw("app_hash_mismatch", "height", b.Height, "local", appHash.String(), "remote", b.AppHash.String())
		if err := s.App.DiscardBlock(); err != nil {
			s.Logger.Errorw("block_discard_failed", "height", b.Height, "err", err)
		}
		return fmt.Errorf("%w at height %d", ErrAppHashMismatch, b.Height)
	}
	return s.commitLocked(b)
}

func (s *Sequencer) commitLocked(b Block) error {
	if err := s.App.CommitBlock(b); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Height, err)
	}
	s.head, s.hasHead = b, true
	if s.WAL != nil {
		s.WAL.Append(fmt.Sprintf("commit height=%d apphash=0x%s", b.Height, b.AppHash))
	}
	s.Logger.Infow("block_committed", "height", b.Height, "time", b.Time, "txs", len(b.Txs), "app_hash", b.AppHash.String())
	if s.OnCommit != nil {
		s.OnCommit(b)
	}
	return nil
}
