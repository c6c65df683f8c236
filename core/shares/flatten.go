package shares

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"revshare/core/percent"
	"revshare/core/types"
)

// DefaultMaxDepth matches the nesting the indexer query fetches by default.
const DefaultMaxDepth = 5

var (
	// ErrCycle is returned when a content lists itself, directly or transitively, as an underlying work.
	ErrCycle = errors.New("shares: derivation cycle")
	// ErrShareExceedsFull is returned for a share requirement above 100%.
	ErrShareExceedsFull = errors.New("shares: share exceeds 100%")
	// ErrZeroShareSum is returned when a content has underlying works but none requests a share.
	ErrZeroShareSum = errors.New("shares: underlying works request no share")
	// ErrDepthExceeded is returned when the derivation chain is deeper than the configured bound.
	ErrDepthExceeded = errors.New("shares: derivation depth exceeds bound")
	// ErrMalformedContent is returned for nil nodes or nodes without an identifier.
	ErrMalformedContent = errors.New("shares: malformed content")
)

// Entry is one recipient's share of a flattened budget.
type Entry struct {
	ContentID  string
	NFTAddress common.Address
	NFTID      *big.Int
	Share      *uint256.Int
}

// Distribution is the flattened result for one content. The entries plus Dust
// always add up to the input budget; Dust is the truncation lost across
// Divisions proportional splits and never exceeds Divisions.
type Distribution struct {
	Entries   []Entry
	Dust      *uint256.Int
	Divisions int
}

// Total sums the entry shares.
func (d *Distribution) Total() *uint256.Int {
	total := new(uint256.Int)
	if d == nil {
		return total
	}
	for _, e := range d.Entries {
		total.Add(total, e.Share)
	}
	return total
}

// Option customises a Flattener.
type Option func(*Flattener)

// WithMaxDepth bounds the number of derivation levels below the purchased content.
func WithMaxDepth(depth int) Option {
	return func(f *Flattener) { f.maxDepth = depth }
}

// Flattener walks a derivation tree and splits a share budget across it.
// It holds no per-call state and is safe for concurrent use.
type Flattener struct {
	scale    percent.Scale
	maxDepth int
}

// NewFlattener constructs a flattener for the supplied percent scale.
func NewFlattener(scale percent.Scale, opts ...Option) *Flattener {
	f := &Flattener{scale: scale, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxDepth <= 0 {
		f.maxDepth = DefaultMaxDepth
	}
	return f
}

// Flatten distributes budget across content and its underlying works. policy
// is the purchasable license's share percentage; when it exceeds the children's
// largest minimum share it raises the fraction leaving the purchased content.
// A nil policy applies the minimum shares only.
func (f *Flattener) Flatten(content *types.Content, policy, budget *uint256.Int) (*Distribution, error) {
	if f.scale.IsZero() {
		return nil, percent.ErrInvalidScale
	}
	if budget == nil {
		budget = new(uint256.Int)
	}
	if policy != nil {
		if err := f.scale.Validate(policy); err != nil {
			return nil, fmt.Errorf("%w: purchase share of %s: %v", ErrShareExceedsFull, content, err)
		}
	}
	w := &walk{
		f:         f,
		ancestors: make(map[string]struct{}),
		dist:      &Distribution{Dust: new(uint256.Int)},
	}
	if err := w.visit(content, policy, budget, 0); err != nil {
		return nil, err
	}
	return w.dist, nil
}

type walk struct {
	f         *Flattener
	ancestors map[string]struct{}
	dist      *Distribution
}

func (w *walk) visit(node *types.Content, floor, budget *uint256.Int, depth int) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("%w: content at depth %d has no id", ErrMalformedContent, depth)
	}
	if depth > w.f.maxDepth {
		return fmt.Errorf("%w: %s is %d levels deep, bound %d", ErrDepthExceeded, node.ID, depth, w.f.maxDepth)
	}
	if _, seen := w.ancestors[node.ID]; seen {
		return fmt.Errorf("%w: %s is its own underlying work", ErrCycle, node.ID)
	}
	if node.IsRoot() {
		w.emit(node, budget)
		return nil
	}

	maxShare, sumShare := new(uint256.Int), new(uint256.Int)
	for _, child := range node.UnderlyingWorks {
		if child == nil {
			return fmt.Errorf("%w: nil underlying work of %s", ErrMalformedContent, node.ID)
		}
		share := child.MinShare()
		if err := w.f.scale.Validate(share); err != nil {
			return fmt.Errorf("%w: %s requires %s", ErrShareExceedsFull, child.ID, share.Dec())
		}
		if share.Gt(maxShare) {
			maxShare.Set(share)
		}
		next, err := percent.Add(sumShare, share)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", node.ID, err)
		}
		sumShare = next
	}
	if sumShare.IsZero() {
		return fmt.Errorf("%w: %s", ErrZeroShareSum, node.ID)
	}
	outflow := maxShare
	if floor != nil && floor.Gt(outflow) {
		outflow = floor
	}

	childrenBudget, err := percent.MulDiv(budget, outflow, w.f.scale.Full())
	if err != nil {
		return fmt.Errorf("flatten %s: %w", node.ID, err)
	}
	w.dist.Divisions++
	w.emit(node, new(uint256.Int).Sub(budget, childrenBudget))

	w.ancestors[node.ID] = struct{}{}
	defer delete(w.ancestors, node.ID)

	assigned := new(uint256.Int)
	for _, child := range node.UnderlyingWorks {
		portion, err := percent.MulDiv(childrenBudget, child.MinShare(), sumShare)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", child.ID, err)
		}
		w.dist.Divisions++
		assigned.Add(assigned, portion)
		if err := w.visit(child, nil, portion, depth+1); err != nil {
			return err
		}
	}
	w.dist.Dust.Add(w.dist.Dust, new(uint256.Int).Sub(childrenBudget, assigned))
	return nil
}

func (w *walk) emit(node *types.Content, share *uint256.Int) {
	entry := Entry{
		ContentID:  node.ID,
		NFTAddress: node.NFTAddress,
		Share:      new(uint256.Int).Set(share),
	}
	if node.NFTID != nil {
		entry.NFTID = new(big.Int).Set(node.NFTID)
	}
	w.dist.Entries = append(w.dist.Entries, entry)
}
