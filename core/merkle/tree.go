// Package merkle builds sorted-pair Keccak-256 Merkle trees over settlement
// balances. Trees built here verify with OpenZeppelin's MerkleProof library:
// leaves are sorted, every pair is hashed smaller-first, and an odd node at the
// end of a level is carried up unchanged unless DuplicateOdd is requested.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EmptyRoot is the root of a tree built from zero leaves.
var EmptyRoot = common.Hash{}

// ErrLeafNotFound is returned when a proof is requested for a leaf outside the tree.
var ErrLeafNotFound = errors.New("merkle: leaf not in tree")

// Option customises tree construction.
type Option func(*options)

type options struct {
	duplicateOdd bool
}

// DuplicateOdd pairs an odd trailing node with itself instead of carrying it
// up unchanged. Proofs then include the node as its own sibling.
func DuplicateOdd() Option {
	return func(o *options) { o.duplicateOdd = true }
}

// Tree is an immutable binary Merkle tree.
type Tree struct {
	layers       [][][]byte
	duplicateOdd bool
}

// New builds a tree over the supplied leaves. Leaves are copied and sorted so
// the root does not depend on input order; duplicates are kept.
func New(leaves [][]byte, opts ...Option) *Tree {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	base := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		base[i] = append([]byte(nil), leaf...)
	}
	sort.Slice(base, func(i, j int) bool { return bytes.Compare(base[i], base[j]) < 0 })

	tree := &Tree{layers: [][][]byte{base}, duplicateOdd: cfg.duplicateOdd}
	for level := base; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				if cfg.duplicateOdd {
					next = append(next, HashPair(level[i], level[i]))
				} else {
					next = append(next, level[i])
				}
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		tree.layers = append(tree.layers, next)
		level = next
	}
	return tree
}

// HashPair hashes two nodes in canonical order: the smaller value first.
func HashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(a, b)
}

// Root returns the root node, or EmptyRoot for an empty tree.
func (t *Tree) Root() []byte {
	if t == nil || len(t.layers) == 0 || len(t.layers[0]) == 0 {
		return EmptyRoot.Bytes()
	}
	top := t.layers[len(t.layers)-1]
	return append([]byte(nil), top[0]...)
}

// RootHash returns the root as a 32-byte hash.
func (t *Tree) RootHash() common.Hash {
	return common.BytesToHash(t.Root())
}

// HexRoot returns the 0x-prefixed root.
func (t *Tree) HexRoot() string {
	return hexutil.Encode(t.Root())
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	if t == nil || len(t.layers) == 0 {
		return 0
	}
	return len(t.layers[0])
}

// Leaves returns a copy of the sorted leaves.
func (t *Tree) Leaves() [][]byte {
	if t.Len() == 0 {
		return [][]byte{}
	}
	return copyLayer(t.layers[0])
}

// Layers returns a copy of every level, leaves first and root last.
func (t *Tree) Layers() [][][]byte {
	if t == nil {
		return nil
	}
	out := make([][][]byte, len(t.layers))
	for i, layer := range t.layers {
		out[i] = copyLayer(layer)
	}
	return out
}

// Contains reports whether leaf is one of the tree's leaves.
func (t *Tree) Contains(leaf []byte) bool {
	return t.indexOf(leaf) >= 0
}

// Proof returns the sibling hashes from leaf up to the root.
func (t *Tree) Proof(leaf []byte) ([][]byte, error) {
	index := t.indexOf(leaf)
	if index < 0 {
		return nil, ErrLeafNotFound
	}
	proof := make([][]byte, 0, len(t.layers)-1)
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		switch {
		case sibling < len(layer):
			proof = append(proof, append([]byte(nil), layer[sibling]...))
		case t.duplicateOdd:
			proof = append(proof, append([]byte(nil), layer[index]...))
		}
		index /= 2
	}
	return proof, nil
}

// HexProof is Proof encoded as 0x-prefixed hex strings.
func (t *Tree) HexProof(leaf []byte) ([]string, error) {
	proof, err := t.Proof(leaf)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(proof))
	for i, node := range proof {
		out[i] = hexutil.Encode(node)
	}
	return out, nil
}

// Verify recomputes the path from leaf through proof and compares it with root.
// Proofs carry no positions; the sorted-pair rule orders every step.
func Verify(proof [][]byte, root, leaf []byte) bool {
	if len(leaf) == 0 || len(root) == 0 {
		return false
	}
	node := leaf
	for _, sibling := range proof {
		if len(sibling) == 0 {
			return false
		}
		node = HashPair(node, sibling)
	}
	return bytes.Equal(node, root)
}

// DecodeHexProof parses 0x-prefixed proof elements.
func DecodeHexProof(proof []string) ([][]byte, error) {
	out := make([][]byte, len(proof))
	for i, item := range proof {
		node, err := hexutil.Decode(item)
		if err != nil {
			return nil, err
		}
		out[i] = node
	}
	return out, nil
}

func (t *Tree) indexOf(leaf []byte) int {
	if t.Len() == 0 {
		return -1
	}
	leaves := t.layers[0]
	i := sort.Search(len(leaves), func(i int) bool { return bytes.Compare(leaves[i], leaf) >= 0 })
	if i < len(leaves) && bytes.Equal(leaves[i], leaf) {
		return i
	}
	return -1
}

func copyLayer(layer [][]byte) [][]byte {
	out := make([][]byte, len(layer))
	for i, node := range layer {
		out[i] = append([]byte(nil), node...)
	}
	return out
}
