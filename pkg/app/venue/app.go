// Package venue executes sequenced blocks of signed transactions against the
// lazy-settlement book and answers read queries about the resulting state.
package venue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/mempool"
	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/crypto"
	"github.com/uhyunpark/lazybook/pkg/sequencer"
	"github.com/uhyunpark/lazybook/pkg/storage"
)

var (
	ErrStaleNonce  = errors.New("nonce not above last used nonce")
	ErrDuplicateTx = errors.New("transaction already pending")
)

// Store is the durable state of the app. Every write of a block goes
// through one BlockBatch.
type Store interface {
	NewBlockBatch() *storage.BlockBatch
	LoadOrders() ([]*orderbook.Order, error)
	LoadBookMeta() (nextOrderID, eventSeq uint64, err error)
	LoadBalances() ([]ledger.Balance, error)
	LoadEvents(fromSeq uint64, limit int) ([]orderbook.EventRecord, error)
	GetReceipt(h common.Hash) (*transaction.Receipt, error)
	LoadNonces() (map[common.Address]uint64, error)
}

type Config struct {
	Domain  crypto.EIP712Domain
	Custody common.Address
	// Genesis is credited once, when the store is empty.
	Genesis []ledger.Balance
}

// blockClock is the time every transaction in the executing block observes.
type blockClock struct{ unix uint64 }

func (c *blockClock) Now() time.Time { return time.Unix(int64(c.unix), 0) }

// stagedBlock is an executed block waiting for CommitBlock.
type stagedBlock struct {
	batch    *storage.BlockBatch
	height   uint64
	events   []orderbook.EventRecord
	prevHead uint64
	prevTime uint64
}

type App struct {
	mu sync.RWMutex

	book     *orderbook.Book
	ledger   *ledger.MemLedger
	mempool  *mempool.Mempool
	verifier *transaction.Verifier
	store    Store
	sinks    []orderbook.EventSink
	nonces   map[common.Address]uint64
	clock    *blockClock
	height   uint64
	staged   *stagedBlock

	logger *zap.SugaredLogger
}

// bookStore hands the book the batch of the block being executed. Book
// operations only run inside ExecuteBlock.
type bookStore struct{ app *App }

func (s bookStore) NewBatch() orderbook.Batch { return s.app.staged.batch.NewBatch() }

func New(cfg Config, store Store, logger *zap.SugaredLogger, sinks ...orderbook.EventSink) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{
		ledger:   ledger.NewMemLedger(cfg.Custody),
		mempool:  mempool.NewMempool(),
		verifier: transaction.NewVerifier(cfg.Domain),
		store:    store,
		sinks:    sinks,
		clock:    &blockClock{},
		logger:   logger,
	}
	// Events are held back until their block is committed.
	a.book = orderbook.New(a.ledger, a.clock,
		orderbook.WithStore(bookStore{a}),
		orderbook.WithEventSink(orderbook.EventSinkFunc(func(rec orderbook.EventRecord) {
			a.staged.events = append(a.staged.events, rec)
		})))

	if err := a.load(cfg.Genesis); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) load(genesis []ledger.Balance) error {
	nextID, eventSeq, err := a.store.LoadBookMeta()
	if err != nil {
		return fmt.Errorf("failed to load book meta: %w", err)
	}
	if nextID == 0 {
		return a.applyGenesis(genesis)
	}
	if err := a.restore(nextID, eventSeq); err != nil {
		return err
	}
	a.logger.Infow("state_loaded", "next_order_id", nextID, "balances", len(a.ledger.Balances()), "event_seq", eventSeq)
	return nil
}

// restore replaces in-memory state with the last committed state.
func (a *App) restore(nextID, eventSeq uint64) error {
	orders, err := a.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	balances, err := a.store.LoadBalances()
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	nonces, err := a.store.LoadNonces()
	if err != nil {
		return fmt.Errorf("failed to load nonces: %w", err)
	}
	a.book.Restore(orders, nextID, eventSeq)
	a.ledger.Load(balances)
	a.nonces = nonces
	return nil
}

func (a *App) applyGenesis(genesis []ledger.Balance) error {
	a.nonces = make(map[common.Address]uint64)
	for _, g := range genesis {
		if err := a.ledger.Mint(g.Token, g.Holder, g.Amount); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	bb := a.store.NewBlockBatch()
	defer bb.Close()
	batch := bb.NewBatch()
	defer batch.Close()
	if err := a.ledger.Flush(batch); err != nil {
		return err
	}
	if err := batch.PutBookMeta(a.book.NextOrderID(), a.book.EventSeq()); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	if err := bb.Commit(); err != nil {
		return fmt.Errorf("failed to commit genesis: %w", err)
	}
	a.ledger.Finalise()
	a.logger.Infow("genesis_applied", "allocations", len(genesis))
	return nil
}

// SetHead tells the app which block its persisted state corresponds to.
func (a *App) SetHead(height, blockTime uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.height = height
	a.clock.unix = blockTime
}

// ============================================================================
// Sequencer hooks
// ============================================================================

func (a *App) SelectTxs(maxBytes int64) [][]byte {
	return a.mempool.SelectForBlock(maxBytes)
}

// ExecuteBlock runs txs in order with the book clock pinned to blockTime.
// Rejected transactions produce failed receipts; only storage failures
// abort the block. Nothing is written until CommitBlock.
func (a *App) ExecuteBlock(height, blockTime uint64, txs [][]byte) (sequencer.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.staged != nil {
		return sequencer.Hash{}, fmt.Errorf("block %d is executed but not committed", a.staged.height)
	}
	a.staged = &stagedBlock{
		batch:    a.store.NewBlockBatch(),
		height:   height,
		prevHead: a.height,
		prevTime: a.clock.unix,
	}
	a.clock.unix = blockTime
	a.mempool.Remove(txs)

	var failed int
	for i, raw := range txs {
		r, err := a.executeTx(height, i, raw)
		if err != nil {
			err = fmt.Errorf("tx %d: %w", i, err)
			if derr := a.discardLocked(); derr != nil {
				err = errors.Join(err, derr)
			}
			return sequencer.Hash{}, err
		}
		if r.Status == transaction.StatusFailed {
			failed++
		}
	}
	a.height = height

	appHash := a.stateHash(height, blockTime)
	if len(txs) > 0 {
		a.logger.Infow("block_executed", "height", height, "txs", len(txs), "failed", failed, "app_hash", appHash.String())
	}
	return appHash, nil
}

// CommitBlock writes b, its receipts, nonces and book changes in one batch
// and then publishes the block's events.
func (a *App) CommitBlock(b sequencer.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.staged
	if st == nil || st.height != b.Height {
		return fmt.Errorf("block %d was not executed", b.Height)
	}
	err := st.batch.SaveBlock(b)
	if err == nil {
		err = st.batch.Commit()
	}
	if err != nil {
		err = fmt.Errorf("failed to commit block %d: %w", b.Height, err)
		if derr := a.discardLocked(); derr != nil {
			err = errors.Join(err, derr)
		}
		return err
	}
	st.batch.Close()
	a.staged = nil

	for _, rec := range st.events {
		for _, s := range a.sinks {
			s.Publish(rec)
		}
	}
	return nil
}

// DiscardBlock rolls the app back to the last committed block.
func (a *App) DiscardBlock() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discardLocked()
}

func (a *App) discardLocked() error {
	st := a.staged
	if st == nil {
		return nil
	}
	a.staged = nil
	st.batch.Close()
	a.height, a.clock.unix = st.prevHead, st.prevTime

	nextID, eventSeq, err := a.store.LoadBookMeta()
	if err != nil {
		return fmt.Errorf("failed to load book meta: %w", err)
	}
	if err := a.restore(nextID, eventSeq); err != nil {
		return err
	}
	a.logger.Warnw("block_discarded", "height", st.height)
	return nil
}

func (a *App) executeTx(height uint64, index int, raw []byte) (*transaction.Receipt, error) {
	r := &transaction.Receipt{
		TxHash: transaction.Hash(raw),
		Height: height,
		Index:  index,
		Status: transaction.StatusOK,
	}
	if err := a.apply(r, raw); err != nil {
		if !isRejection(err) {
			return nil, err
		}
		r.Status = transaction.StatusFailed
		r.Code = Code(err)
		r.Error = err.Error()
		a.logger.Debugw("tx_rejected", "tx", r.TxHash.Hex(), "code", r.Code, "err", err)
	}
	if err := a.staged.batch.PutReceipt(r); err != nil {
		return nil, err
	}
	return r, nil
}

// apply authenticates raw, consumes its nonce and runs the book operation.
// The nonce, the book changes and the receipt are committed with the block.
func (a *App) apply(r *transaction.Receipt, raw []byte) error {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return err
	}
	r.Type = tx.Type
	signer, err := a.verifier.Verify(tx)
	if err != nil {
		return err
	}
	r.Signer = signer
	nonce, err := tx.Nonce()
	if err != nil {
		return err
	}
	if last := a.nonces[signer]; nonce <= last {
		return fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, nonce, last)
	}
	if err := a.staged.batch.SetNonce(signer, nonce); err != nil {
		return err
	}
	a.nonces[signer] = nonce

	switch tx.Type {
	case transaction.TxTypeCreate:
		p, err := tx.Create.Params()
		if err != nil {
			return err
		}
		id, err := a.book.CreateOrder(signer, p)
		if err != nil {
			return err
		}
		r.OrderID = id
	case transaction.TxTypeMatch:
		m, err := tx.Match.ToEIP712()
		if err != nil {
			return err
		}
		fill, err := a.book.MatchOrders(signer, m.BuyID, m.SellID)
		if err != nil {
			return err
		}
		r.BaseAmount, r.QuoteAmount = fill.BaseAmount, fill.QuoteAmount
	case transaction.TxTypeCancel:
		c, err := tx.Cancel.ToEIP712()
		if err != nil {
			return err
		}
		r.OrderID = c.OrderID
		refund, err := a.book.CancelOrder(signer, c.OrderID)
		if err != nil {
			return err
		}
		r.Refund = refund
	}
	return nil
}

// stateHash commits to the block header fields, every order and every
// non-zero balance, in a fixed order.
func (a *App) stateHash(height, blockTime uint64) sequencer.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	putU256 := func(v *uint256.Int) {
		b := v.Bytes32()
		h.Write(b[:])
	}

	putU64(height)
	putU64(blockTime)
	putU64(a.book.NextOrderID())
	putU64(a.book.EventSeq())

	for _, o := range a.book.Orders() {
		putU64(o.ID)
		h.Write(o.Owner[:])
		h.Write(o.TokenIn[:])
		h.Write(o.TokenOut[:])
		putU256(o.StartPrice)
		putBool(o.Slope.Sign() < 0)
		slope, _ := uint256.FromBig(new(big.Int).Abs(o.Slope))
		putU256(slope)
		putU64(o.StartTime)
		putU256(o.Remaining)
		putBool(o.IsBuy)
		putBool(o.Active)
	}
	for _, b := range a.ledger.Balances() {
		h.Write(b.Token[:])
		h.Write(b.Holder[:])
		putU256(b.Amount)
	}

	var out sequencer.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ============================================================================
// Submission
// ============================================================================

// SubmitTx checks raw and queues it for the next block. Nonces are only
// checked against executed state; ordering among pending txs of one signer
// is settled at execution.
func (a *App) SubmitTx(raw []byte) (common.Hash, error) {
	h := transaction.Hash(raw)
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return h, err
	}
	signer, err := a.verifier.Verify(tx)
	if err != nil {
		return h, err
	}
	nonce, err := tx.Nonce()
	if err != nil {
		return h, err
	}

	a.mu.RLock()
	last := a.nonces[signer]
	a.mu.RUnlock()
	if nonce <= last {
		return h, fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, nonce, last)
	}
	if !a.mempool.PushRaw(raw) {
		return h, ErrDuplicateTx
	}
	return h, nil
}

func (a *App) PendingTxs() int { return a.mempool.Len() }
