package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Window is a published settlement checkpoint. Purchases at or after the latest
// window's BlockNumber belong to the next window.
type Window struct {
	Index          uint64
	BlockNumber    uint64
	MerkleRoot     common.Hash
	FundsAvailable *uint256.Int
}

// StartBlock returns the first block of the window following w; zero when no
// window has been published yet.
func StartBlock(latest *Window) uint64 {
	if latest == nil {
		return 0
	}
	return latest.BlockNumber
}
