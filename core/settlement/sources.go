package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"revshare/core/types"
)

// GraphSource reads the indexed window and purchase data.
type GraphSource interface {
	// LatestWindow returns the most recently published window, or nil when
	// none exists yet.
	LatestWindow(ctx context.Context) (*types.Window, error)
	// PurchaseEvents returns every purchase with a block number at or above
	// startBlock, each carrying its fully nested content.
	PurchaseEvents(ctx context.Context, startBlock uint64) ([]types.PurchaseEvent, error)
}

// OwnerResolver looks up the current owner of an NFT.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, nftAddress common.Address, nftID *big.Int) (common.Address, error)
}

// PercentScaleSource supplies the number of integer units per percent.
type PercentScaleSource interface {
	PercentScale(ctx context.Context) (*uint256.Int, error)
}

// StaticScale is a PercentScaleSource returning a fixed value.
type StaticScale uint64

// PercentScale implements PercentScaleSource.
func (s StaticScale) PercentScale(context.Context) (*uint256.Int, error) {
	return uint256.NewInt(uint64(s)), nil
}
