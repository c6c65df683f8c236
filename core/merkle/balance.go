package merkle

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"revshare/core/types"
)

// Leaf encodes a balance exactly as keccak256(abi.encodePacked(address, uint256)):
// the 20 address bytes followed by the 32-byte big-endian allocation.
func Leaf(balance types.Balance) []byte {
	alloc := balance.Allocation
	if alloc == nil {
		alloc = new(uint256.Int)
	}
	word := alloc.Bytes32()
	return crypto.Keccak256(balance.Account.Bytes(), word[:])
}

// NewBalanceTree commits the supplied balances into a tree.
func NewBalanceTree(balances []types.Balance) *Tree {
	leaves := make([][]byte, len(balances))
	for i, b := range balances {
		leaves[i] = Leaf(b)
	}
	return New(leaves)
}

// BalanceProof returns the proof for balance.
func BalanceProof(tree *Tree, balance types.Balance) ([][]byte, error) {
	return tree.Proof(Leaf(balance))
}

// BalanceHexProof returns the hex proof a claimant submits on-chain.
func BalanceHexProof(tree *Tree, balance types.Balance) ([]string, error) {
	return tree.HexProof(Leaf(balance))
}

// VerifyBalance checks a hex proof for balance against root. The tree is not
// consulted; any party holding the root can verify a claim.
func VerifyBalance(balance types.Balance, root []byte, proof []string) bool {
	nodes, err := DecodeHexProof(proof)
	if err != nil {
		return false
	}
	return Verify(nodes, root, Leaf(balance))
}

// VerifyBalance checks proof for balance against root.
func (t *Tree) VerifyBalance(balance types.Balance, root []byte, proof []string) bool {
	return VerifyBalance(balance, root, proof)
}
