package sequencer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte("0x" + hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(b), "0x"))
	if err != nil {
		return err
	}
	if len(raw) != len(h) {
		return fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Block is one sequenced batch of transactions. Time is the unix second
// every transaction in the block observes as "now".
type Block struct {
	Height  uint64   `json:"height"`
	Parent  Hash     `json:"parent"`
	Time    uint64   `json:"time"`
	Txs     [][]byte `json:"txs"`
	AppHash Hash     `json:"appHash"`
	Sig     []byte   `json:"sig,omitempty"`
}

// HashOfBlock commits to everything but the signature. A single sequencer
// executes before sealing, so AppHash is known and covered by the hash.
func HashOfBlock(b Block) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Height)
	h.Write(buf[:])
	h.Write(b.Parent[:])
	binary.BigEndian.PutUint64(buf[:], b.Time)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Txs)))
	h.Write(buf[:])
	for _, tx := range b.Txs {
		binary.BigEndian.PutUint64(buf[:], uint64(len(tx)))
		h.Write(buf[:])
		h.Write(tx)
	}
	h.Write(b.AppHash[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ---- Storage/WAL interfaces (impl in pkg/storage) ----

// BlockStore reads committed blocks. Blocks are written by App.CommitBlock
// together with the state they produce.
type BlockStore interface {
	GetBlock(height uint64) (Block, bool, error)
	Head() (Block, bool, error)
}

type WAL interface {
	Append(line string)
}

// App executes sequenced transactions.
type App interface {
	// SelectTxs drains pending transactions for the next block.
	SelectTxs(maxBytes int64) [][]byte
	// ExecuteBlock applies txs in order at the given time and returns the
	// resulting state hash. Rejected transactions are not errors; an error
	// means state could not be applied, and leaves the app as it was.
	ExecuteBlock(height, time uint64, txs [][]byte) (Hash, error)
	// CommitBlock durably records b together with the state its execution
	// produced. On error the execution is discarded.
	CommitBlock(b Block) error
	// DiscardBlock drops an executed block that will not be committed.
	DiscardBlock() error
}

// Broadcaster ships sealed blocks to followers.
type Broadcaster interface {
	BroadcastBlock(b Block) error
}
