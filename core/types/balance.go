package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Balance is an account's aggregated allocation for a window, in percent-scale units.
type Balance struct {
	Account    common.Address
	Allocation *uint256.Int
}

type balanceJSON struct {
	Account    string `json:"account"`
	Allocation string `json:"allocation"`
}

// MarshalJSON encodes the allocation as a decimal string so values above 2^53 survive.
func (b Balance) MarshalJSON() ([]byte, error) {
	alloc := "0"
	if b.Allocation != nil {
		alloc = b.Allocation.Dec()
	}
	return json.Marshal(balanceJSON{Account: b.Account.Hex(), Allocation: alloc})
}

// UnmarshalJSON decodes a balance and validates the account address.
func (b *Balance) UnmarshalJSON(data []byte) error {
	var raw balanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !common.IsHexAddress(raw.Account) {
		return fmt.Errorf("types: invalid account %q", raw.Account)
	}
	alloc, err := uint256.FromDecimal(raw.Allocation)
	if err != nil {
		return fmt.Errorf("types: invalid allocation %q: %w", raw.Allocation, err)
	}
	b.Account = common.HexToAddress(raw.Account)
	b.Allocation = alloc
	return nil
}

// Clone returns a deep copy of the balance.
func (b Balance) Clone() Balance {
	out := Balance{Account: b.Account, Allocation: new(uint256.Int)}
	if b.Allocation != nil {
		out.Allocation.Set(b.Allocation)
	}
	return out
}

// SortBalances orders balances by account address, then allocation.
func SortBalances(balances []Balance) {
	sort.Slice(balances, func(i, j int) bool {
		if cmp := bytes.Compare(balances[i].Account[:], balances[j].Account[:]); cmp != 0 {
			return cmp < 0
		}
		return allocationOf(balances[i]).Lt(allocationOf(balances[j]))
	})
}

// TotalAllocation sums the allocations; the second return reports overflow.
func TotalAllocation(balances []Balance) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, b := range balances {
		if _, overflow := total.AddOverflow(total, allocationOf(b)); overflow {
			return nil, true
		}
	}
	return total, false
}

// FindBalance returns the balance recorded for account, if any.
func FindBalance(balances []Balance, account common.Address) (Balance, bool) {
	for _, b := range balances {
		if b.Account == account {
			return b.Clone(), true
		}
	}
	return Balance{}, false
}

func allocationOf(b Balance) *uint256.Int {
	if b.Allocation == nil {
		return new(uint256.Int)
	}
	return b.Allocation
}
