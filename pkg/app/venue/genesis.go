package venue

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/lazybook/pkg/app/core/ledger"
)

// ParseGenesis reads "token:holder:amount" entries with decimal amounts.
func ParseGenesis(entries []string) ([]ledger.Balance, error) {
	out := make([]ledger.Balance, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("genesis entry %q: want token:holder:amount", e)
		}
		if !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("genesis entry %q: bad address", e)
		}
		amount, err := uint256.FromDecimal(parts[2])
		if err != nil {
			return nil, fmt.Errorf("genesis entry %q: %w", e, err)
		}
		out = append(out, ledger.Balance{
			Token:  common.HexToAddress(parts[0]),
			Holder: common.HexToAddress(parts[1]),
			Amount: amount,
		})
	}
	return out, nil
}
