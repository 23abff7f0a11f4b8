package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TransferHook runs after a transfer has been applied. Returning an error
// undoes the transfer. Hooks may call back into whatever drove the transfer.
type TransferHook func(token, from, to common.Address, amount *uint256.Int) error

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type balanceChange struct {
	key  balanceKey
	prev *uint256.Int // nil when the entry did not exist
}

// MemLedger keeps balances in memory with an undo journal.
// It is not safe for concurrent use; the owning app serialises access.
type MemLedger struct {
	custody  common.Address
	balances map[balanceKey]*uint256.Int
	journal  []balanceChange
	dirty    map[balanceKey]struct{}
	hook     TransferHook
}

// NewMemLedger creates an empty ledger whose escrow account is custody.
func NewMemLedger(custody common.Address) *MemLedger {
	return &MemLedger{
		custody:  custody,
		balances: make(map[balanceKey]*uint256.Int),
		dirty:    make(map[balanceKey]struct{}),
	}
}

func (l *MemLedger) CustodyAddress() common.Address { return l.custody }

// SetTransferHook installs a hook invoked after every non-zero transfer.
func (l *MemLedger) SetTransferHook(h TransferHook) { l.hook = h }

// Load replaces balances with persisted state. The journal is cleared.
func (l *MemLedger) Load(balances []Balance) {
	l.balances = make(map[balanceKey]*uint256.Int, len(balances))
	for _, b := range balances {
		l.balances[balanceKey{b.Token, b.Holder}] = new(uint256.Int).Set(b.Amount)
	}
	l.Finalise()
}

// Mint credits a holder out of thin air. Used for genesis allocation only.
func (l *MemLedger) Mint(token, to common.Address, amount *uint256.Int) error {
	k := balanceKey{token, to}
	next, overflow := new(uint256.Int).AddOverflow(l.get(k), amount)
	if overflow {
		return fmt.Errorf("mint %s to %s: balance overflow", amount.Dec(), to.Hex())
	}
	l.set(k, next)
	return nil
}

func (l *MemLedger) BalanceOf(token, holder common.Address) *uint256.Int {
	return new(uint256.Int).Set(l.get(balanceKey{token, holder}))
}

// Custody returns the escrowed total of token.
func (l *MemLedger) Custody(token common.Address) *uint256.Int {
	return l.BalanceOf(token, l.custody)
}

// Balances lists every non-zero balance ordered by token then holder.
func (l *MemLedger) Balances() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for k, v := range l.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, Balance{Token: k.token, Holder: k.holder, Amount: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Holder[:], out[j].Holder[:]) < 0
	})
	return out
}

func (l *MemLedger) Escrow(token, from common.Address, amount *uint256.Int) error {
	if err := l.transfer(token, from, l.custody, amount, ErrInsufficientBalance); err != nil {
		return fmt.Errorf("escrow %s of %s from %s: %w", amount.Dec(), token.Hex(), from.Hex(), err)
	}
	return nil
}

func (l *MemLedger) Release(token, to common.Address, amount *uint256.Int) error {
	if err := l.transfer(token, l.custody, to, amount, ErrInsufficientCustody); err != nil {
		return fmt.Errorf("release %s of %s to %s: %w", amount.Dec(), token.Hex(), to.Hex(), err)
	}
	return nil
}

func (l *MemLedger) transfer(token, from, to common.Address, amount *uint256.Int, shortErr error) error {
	if amount.IsZero() {
		return nil
	}
	fromKey, toKey := balanceKey{token, from}, balanceKey{token, to}
	have := l.get(fromKey)
	if have.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", shortErr, have.Dec(), amount.Dec())
	}

	snap := l.Snapshot()
	l.set(fromKey, new(uint256.Int).Sub(have, amount))
	// Total supply of a token fits in 256 bits, so the credit cannot overflow.
	l.set(toKey, new(uint256.Int).Add(l.get(toKey), amount))

	if l.hook != nil {
		if err := l.hook(token, from, to, new(uint256.Int).Set(amount)); err != nil {
			l.RevertToSnapshot(snap)
			return fmt.Errorf("%w: %w", ErrTransferRejected, err)
		}
	}
	return nil
}

func (l *MemLedger) Snapshot() int { return len(l.journal) }

func (l *MemLedger) RevertToSnapshot(id int) {
	if id < 0 || id > len(l.journal) {
		panic(fmt.Errorf("%w: %d (journal length %d)", ErrInvalidSnapshot, id, len(l.journal)))
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		ch := l.journal[i]
		if ch.prev == nil {
			delete(l.balances, ch.key)
		} else {
			l.balances[ch.key] = ch.prev
		}
	}
	l.journal = l.journal[:id]
}

func (l *MemLedger) Flush(w Writer) error {
	for k := range l.dirty {
		if err := w.SetBalance(k.token, k.holder, l.get(k)); err != nil {
			return fmt.Errorf("failed to write balance %s/%s: %w", k.token.Hex(), k.holder.Hex(), err)
		}
	}
	return nil
}

func (l *MemLedger) Finalise() {
	l.journal = l.journal[:0]
	l.dirty = make(map[balanceKey]struct{})
}

func (l *MemLedger) get(k balanceKey) *uint256.Int {
	if v, ok := l.balances[k]; ok {
		return v
	}
	return new(uint256.Int)
}

// set records the old value and installs a fresh one. Stored values are never
// mutated in place, so journal entries can share pointers with the map.
func (l *MemLedger) set(k balanceKey, v *uint256.Int) {
	l.journal = append(l.journal, balanceChange{key: k, prev: l.balances[k]})
	l.balances[k] = v
	l.dirty[k] = struct{}{}
}
