package mempool

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxClass orders transactions inside a block.
type TxClass int

const (
	TxCancel TxClass = iota
	TxMatch
	TxCreate
)

// ClassifyRaw reads the "type" field of a signed JSON transaction.
// Anything unreadable lands in the create bucket and is rejected at execution.
func ClassifyRaw(b []byte) TxClass {
	if len(b) == 0 || b[0] != '{' {
		return TxCreate
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return TxCreate
	}
	switch envelope.Type {
	case "cancel":
		return TxCancel
	case "match":
		return TxMatch
	default:
		return TxCreate
	}
}

// Mempool keeps three FIFO queues drained in a fixed order:
// cancels, then matches, then creates. Owners can always pull liquidity
// before anyone settles against it within the same block.
type Mempool struct {
	mu      sync.Mutex
	cancel  [][]byte
	match   [][]byte
	create  [][]byte
	pending map[common.Hash]struct{}
}

func NewMempool() *Mempool {
	return &Mempool{pending: make(map[common.Hash]struct{})}
}

// PushRaw enqueues a copy of b. It reports false for a tx already pending.
func (m *Mempool) PushRaw(b []byte) bool {
	cp := append([]byte(nil), b...)
	h := crypto.Keccak256Hash(cp)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.pending[h]; dup {
		return false
	}
	m.pending[h] = struct{}{}
	switch ClassifyRaw(cp) {
	case TxCancel:
		m.cancel = append(m.cancel, cp)
	case TxMatch:
		m.match = append(m.match, cp)
	default:
		m.create = append(m.create, cp)
	}
	return true
}

// SelectForBlock removes and returns up to maxBytes of txs. A non-positive
// maxBytes means no limit.
func (m *Mempool) SelectForBlock(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	full := false

	pull := func(q *[][]byte) {
		for len(*q) > 0 && !full {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				full = true
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
			delete(m.pending, crypto.Keccak256Hash(tx))
		}
	}
	pull(&m.cancel)
	pull(&m.match)
	pull(&m.create)
	return out
}

// Remove drops txs that were included by someone else's block.
func (m *Mempool) Remove(txs [][]byte) {
	if len(txs) == 0 {
		return
	}
	drop := make(map[common.Hash]struct{}, len(txs))
	for _, tx := range txs {
		drop[crypto.Keccak256Hash(tx)] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	filter := func(q [][]byte) [][]byte {
		kept := q[:0]
		for _, tx := range q {
			h := crypto.Keccak256Hash(tx)
			if _, ok := drop[h]; ok {
				delete(m.pending, h)
				continue
			}
			kept = append(kept, tx)
		}
		return kept
	}
	m.cancel = filter(m.cancel)
	m.match = filter(m.match)
	m.create = filter(m.create)
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancel) + len(m.match) + len(m.create)
}
