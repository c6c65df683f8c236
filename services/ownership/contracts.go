// Package ownership resolves NFT owners and the royalties percent scale from
// an EVM node.
package ownership

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc721ABIJSON = `[
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"owner","type":"address"}]}
]`

const royaltiesABIJSON = `[
  {"type":"function","name":"percentScale","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc721ABI    = mustParseABI(erc721ABIJSON)
	royaltiesABI = mustParseABI(royaltiesABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ownership: parse abi: %v", err))
	}
	return parsed
}

// ContractCaller is the subset of the Ethereum RPC used for read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ownership: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}
