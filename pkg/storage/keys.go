package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	ord:<20-digit id>             → order JSON
//	bal:<token>:<holder>          → decimal balance
//	evt:<20-digit seq>            → event record JSON
//	rcpt:<tx hash>                → receipt JSON
//	nonce:<address>               → 8-byte big-endian nonce
//	blk:<20-digit height>         → gob block
//	meta:book                     → book counters JSON
//	meta:head                     → 8-byte big-endian head height
//
// Zero-padded decimal keeps lexical and numeric order identical.
const (
	prefixOrder   = "ord:"
	prefixBalance = "bal:"
	prefixEvent   = "evt:"
	prefixReceipt = "rcpt:"
	prefixNonce   = "nonce:"
	prefixBlock   = "blk:"
)

var (
	keyBookMeta = []byte("meta:book")
	keyHead     = []byte("meta:head")
)

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func balanceKey(token, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), holder.Hex()))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func receiptKey(h common.Hash) []byte {
	return []byte(prefixReceipt + h.Hex())
}

func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

func blockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlock, height))
}

// parseBalanceKey splits "bal:<token>:<holder>".
func parseBalanceKey(k []byte) (token, holder common.Address, err error) {
	s := string(k[len(prefixBalance):])
	if len(s) != 42+1+42 || s[42] != ':' {
		return token, holder, fmt.Errorf("malformed balance key %q", k)
	}
	return common.HexToAddress(s[:42]), common.HexToAddress(s[43:]), nil
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
