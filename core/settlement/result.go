package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"revshare/core/merkle"
	"revshare/core/percent"
	"revshare/core/types"
)

// Result is a fully computed window: the balances sorted by account and the
// tree committing them.
type Result struct {
	StartBlock   uint64
	Scale        percent.Scale
	Balances     []types.Balance
	Tree         *merkle.Tree
	TotalRevenue *uint256.Int
	// Expected is the allocation the window distributes, 100% in scale units
	// when there was revenue. Assigned is what the balances actually sum to.
	Expected  *uint256.Int
	Assigned  *uint256.Int
	Dust      *uint256.Int
	Divisions int
	Contents  int
	Purchases int
}

// Root returns the tree root.
func (r *Result) Root() common.Hash {
	if r == nil || r.Tree == nil {
		return merkle.EmptyRoot
	}
	return r.Tree.RootHash()
}

// Drift is the allocation lost to truncation across the window.
func (r *Result) Drift() *uint256.Int {
	if r == nil || r.Expected == nil || r.Assigned == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(r.Expected, r.Assigned)
}

// Proof returns the balance recorded for account and its hex proof.
func (r *Result) Proof(account common.Address) (types.Balance, []string, error) {
	if r == nil {
		return types.Balance{}, nil, ErrAccountNotFound
	}
	balance, ok := types.FindBalance(r.Balances, account)
	if !ok {
		return types.Balance{}, nil, ErrAccountNotFound
	}
	proof, err := merkle.BalanceHexProof(r.Tree, balance)
	if err != nil {
		return types.Balance{}, nil, err
	}
	return balance, proof, nil
}
