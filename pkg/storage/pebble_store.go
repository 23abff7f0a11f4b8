package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

// PebbleStore persists the whole node: book state, balances, event log,
// receipts, nonces and blocks.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(key []byte, fn func(val []byte) error) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, fn(val)
}

func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// ============================================================================
// Book batches
// ============================================================================

type bookMeta struct {
	NextOrderID uint64 `json:"nextOrderId"`
	EventSeq    uint64 `json:"eventSeq"`
}

// Batch groups the writes of one book operation. Commit folds them into
// the enclosing BlockBatch.
type Batch struct {
	b      *pebble.Batch
	parent *pebble.Batch
}

func (b *Batch) PutOrder(o *orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.b.Set(orderKey(o.ID), data, nil)
}

func (b *Batch) PutBookMeta(nextOrderID, eventSeq uint64) error {
	data, err := json.Marshal(bookMeta{NextOrderID: nextOrderID, EventSeq: eventSeq})
	if err != nil {
		return err
	}
	return b.b.Set(keyBookMeta, data, nil)
}

func (b *Batch) PutEvent(rec orderbook.EventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.b.Set(eventKey(rec.Seq), data, nil)
}

func (b *Batch) SetBalance(token, holder common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return b.b.Delete(balanceKey(token, holder), nil)
	}
	return b.b.Set(balanceKey(token, holder), []byte(amount.Dec()), nil)
}

func (b *Batch) Commit() error { return b.parent.Apply(b.b, nil) }
func (b *Batch) Close() error  { return b.b.Close() }

// ============================================================================
// Book state loading
// ============================================================================

func (s *PebbleStore) LoadOrders() ([]*orderbook.Order, error) {
	var orders []*orderbook.Order
	err := s.scan([]byte(prefixOrder), func(_, val []byte) (bool, error) {
		var o orderbook.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return false, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &o)
		return true, nil
	})
	return orders, err
}

func (s *PebbleStore) LoadBookMeta() (nextOrderID, eventSeq uint64, err error) {
	var m bookMeta
	_, err = s.get(keyBookMeta, func(val []byte) error { return json.Unmarshal(val, &m) })
	return m.NextOrderID, m.EventSeq, err
}

func (s *PebbleStore) LoadBalances() ([]ledger.Balance, error) {
	var out []ledger.Balance
	err := s.scan([]byte(prefixBalance), func(key, val []byte) (bool, error) {
		token, holder, err := parseBalanceKey(key)
		if err != nil {
			return false, err
		}
		amount, err := uint256.FromDecimal(string(val))
		if err != nil {
			return false, fmt.Errorf("bad balance at %s: %w", key, err)
		}
		out = append(out, ledger.Balance{Token: token, Holder: holder, Amount: amount})
		return true, nil
	})
	return out, err
}

// LoadEvents returns up to limit events starting at fromSeq.
func (s *PebbleStore) LoadEvents(fromSeq uint64, limit int) ([]orderbook.EventRecord, error) {
	var out []orderbook.EventRecord
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(fromSeq),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var rec orderbook.EventRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// ============================================================================
// Block batches
// ============================================================================

// BlockBatch stages every write of one block: the book operations, the
// nonces and receipts of its transactions, and the block record with the
// new head. Nothing reaches disk until Commit.
type BlockBatch struct {
	db *pebble.DB
	b  *pebble.Batch
}

func (s *PebbleStore) NewBlockBatch() *BlockBatch {
	return &BlockBatch{db: s.db, b: s.db.NewBatch()}
}

// NewBatch opens a batch for one book operation that folds into bb when
// committed. Closing it uncommitted drops its writes.
func (bb *BlockBatch) NewBatch() orderbook.Batch {
	return &Batch{b: bb.db.NewBatch(), parent: bb.b}
}

func (bb *BlockBatch) PutReceipt(r *transaction.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return bb.b.Set(receiptKey(r.TxHash), data, nil)
}

func (bb *BlockBatch) SetNonce(addr common.Address, nonce uint64) error {
	return bb.b.Set(nonceKey(addr), uint64Bytes(nonce), nil)
}

// SaveBlock records b and makes it the head.
func (bb *BlockBatch) SaveBlock(b sequencer.Block) error {
	val, err := encodeBlock(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if err := bb.b.Set(blockKey(b.Height), val, nil); err != nil {
		return err
	}
	return bb.b.Set(keyHead, uint64Bytes(b.Height), nil)
}

func (bb *BlockBatch) Commit() error { return bb.b.Commit(pebble.Sync) }
func (bb *BlockBatch) Close() error  { return bb.b.Close() }

var _ orderbook.Store = (*BlockBatch)(nil)

// ============================================================================
// Receipts, nonces and blocks
// ============================================================================

// GetReceipt returns nil if the transaction has not been sequenced.
func (s *PebbleStore) GetReceipt(h common.Hash) (*transaction.Receipt, error) {
	var r transaction.Receipt
	found, err := s.get(receiptKey(h), func(val []byte) error { return json.Unmarshal(val, &r) })
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	err := s.scan([]byte(prefixNonce), func(key, val []byte) (bool, error) {
		if len(val) != 8 {
			return false, fmt.Errorf("bad nonce at %s", key)
		}
		out[common.HexToAddress(string(key[len(prefixNonce):]))] = binary.BigEndian.Uint64(val)
		return true, nil
	})
	return out, err
}

func (s *PebbleStore) GetBlock(height uint64) (sequencer.Block, bool, error) {
	var out sequencer.Block
	found, err := s.get(blockKey(height), func(val []byte) error { return decodeBlock(val, &out) })
	return out, found, err
}

func (s *PebbleStore) Head() (sequencer.Block, bool, error) {
	var height uint64
	found, err := s.get(keyHead, func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("bad head record")
		}
		height = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil || !found {
		return sequencer.Block{}, false, err
	}
	return s.GetBlock(height)
}

var _ sequencer.BlockStore = (*PebbleStore)(nil)
