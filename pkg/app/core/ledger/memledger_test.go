package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	custody = common.HexToAddress("0xc0")
	tokenA  = common.HexToAddress("0xa1")
	alice   = common.HexToAddress("0x01")
	bob     = common.HexToAddress("0x02")
)

type mapWriter map[string]string

func (w mapWriter) SetBalance(token, holder common.Address, amount *uint256.Int) error {
	w[token.Hex()+"/"+holder.Hex()] = amount.Dec()
	return nil
}

func newFunded(t *testing.T, amount uint64) *MemLedger {
	t.Helper()
	l := NewMemLedger(custody)
	if err := l.Mint(tokenA, alice, uint256.NewInt(amount)); err != nil {
		t.Fatal(err)
	}
	l.Finalise()
	return l
}

func TestEscrowRelease(t *testing.T) {
	l := newFunded(t, 100)

	if err := l.Escrow(tokenA, alice, uint256.NewInt(60)); err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	if err := l.Release(tokenA, bob, uint256.NewInt(25)); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if got := l.BalanceOf(tokenA, alice).Uint64(); got != 40 {
		t.Errorf("alice = %d, want 40", got)
	}
	if got := l.BalanceOf(tokenA, bob).Uint64(); got != 25 {
		t.Errorf("bob = %d, want 25", got)
	}
	if got := l.Custody(tokenA).Uint64(); got != 35 {
		t.Errorf("custody = %d, want 35", got)
	}
}

func TestInsufficientFundsLeaveNoTrace(t *testing.T) {
	l := newFunded(t, 10)

	err := l.Escrow(tokenA, alice, uint256.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Escrow err = %v, want ErrInsufficientBalance", err)
	}
	err = l.Release(tokenA, bob, uint256.NewInt(1))
	if !errors.Is(err, ErrInsufficientCustody) {
		t.Fatalf("Release err = %v, want ErrInsufficientCustody", err)
	}
	if l.Snapshot() != 0 {
		t.Errorf("journal length = %d, want 0", l.Snapshot())
	}
	if got := l.BalanceOf(tokenA, alice).Uint64(); got != 10 {
		t.Errorf("alice = %d, want 10", got)
	}
}

func TestRevertToSnapshot(t *testing.T) {
	l := newFunded(t, 100)

	snap := l.Snapshot()
	_ = l.Escrow(tokenA, alice, uint256.NewInt(30))
	_ = l.Release(tokenA, bob, uint256.NewInt(30))
	l.RevertToSnapshot(snap)

	if got := l.BalanceOf(tokenA, alice).Uint64(); got != 100 {
		t.Errorf("alice = %d, want 100", got)
	}
	if got := l.BalanceOf(tokenA, bob).Uint64(); got != 0 {
		t.Errorf("bob = %d, want 0", got)
	}
	if got := l.Custody(tokenA).Uint64(); got != 0 {
		t.Errorf("custody = %d, want 0", got)
	}
	if n := len(l.Balances()); n != 1 {
		t.Errorf("non-zero balances = %d, want 1", n)
	}
}

func TestHookRejectionUndoesTransfer(t *testing.T) {
	l := newFunded(t, 50)
	reject := errors.New("no thanks")
	l.SetTransferHook(func(token, from, to common.Address, amount *uint256.Int) error {
		if to == bob {
			return reject
		}
		return nil
	})

	if err := l.Escrow(tokenA, alice, uint256.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	err := l.Release(tokenA, bob, uint256.NewInt(20))
	if !errors.Is(err, ErrTransferRejected) || !errors.Is(err, reject) {
		t.Fatalf("err = %v, want ErrTransferRejected wrapping hook error", err)
	}
	if got := l.Custody(tokenA).Uint64(); got != 50 {
		t.Errorf("custody = %d, want 50", got)
	}
}

func TestFlushWritesDirtyBalances(t *testing.T) {
	l := newFunded(t, 9)
	if err := l.Escrow(tokenA, alice, uint256.NewInt(4)); err != nil {
		t.Fatal(err)
	}

	w := mapWriter{}
	if err := l.Flush(w); err != nil {
		t.Fatal(err)
	}
	if len(w) != 2 {
		t.Fatalf("flushed %d balances, want 2", len(w))
	}
	if got := w[tokenA.Hex()+"/"+custody.Hex()]; got != "4" {
		t.Errorf("custody written = %s, want 4", got)
	}

	l.Finalise()
	w2 := mapWriter{}
	_ = l.Flush(w2)
	if len(w2) != 0 {
		t.Errorf("flush after Finalise wrote %d balances, want 0", len(w2))
	}
}

func TestLoadRestoresBalances(t *testing.T) {
	l := NewMemLedger(custody)
	l.Load([]Balance{{Token: tokenA, Holder: bob, Amount: uint256.NewInt(7)}})
	if got := l.BalanceOf(tokenA, bob).Uint64(); got != 7 {
		t.Errorf("bob = %d, want 7", got)
	}
}
