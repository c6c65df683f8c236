package ownership

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyResult is returned when a call returns no data, typically
	// because the target is not a contract.
	ErrEmptyResult = errors.New("ownership: empty call result")
	// ErrZeroScale is returned when the royalties contract reports a zero scale.
	ErrZeroScale = errors.New("ownership: percent scale is zero")
)

// Option customises a Resolver.
type Option func(*Resolver)

// WithRateLimit throttles outgoing calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(r *Resolver) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBlockNumber pins lookups to a block; nil queries the latest block.
func WithBlockNumber(block *big.Int) Option {
	return func(r *Resolver) { r.block = block }
}

// Resolver answers ERC-721 ownerOf queries.
type Resolver struct {
	caller  ContractCaller
	limiter *rate.Limiter
	block   *big.Int
}

// NewResolver constructs an ownership resolver over caller.
func NewResolver(caller ContractCaller, opts ...Option) (*Resolver, error) {
	if caller == nil {
		return nil, fmt.Errorf("ownership: contract caller required")
	}
	r := &Resolver{caller: caller}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OwnerOf returns the current owner of token id on the nft contract.
func (r *Resolver) OwnerOf(ctx context.Context, nft common.Address, id *big.Int) (common.Address, error) {
	if id == nil || id.Sign() < 0 {
		return common.Address{}, fmt.Errorf("ownership: invalid token id")
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return common.Address{}, err
		}
	}
	data, err := erc721ABI.Pack("ownerOf", id)
	if err != nil {
		return common.Address{}, fmt.Errorf("ownership: pack ownerOf: %w", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &nft, Data: data}, r.block)
	if err != nil {
		return common.Address{}, fmt.Errorf("ownership: ownerOf(%s) on %s: %w", id, nft.Hex(), err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("%w: ownerOf(%s) on %s", ErrEmptyResult, id, nft.Hex())
	}
	values, err := erc721ABI.Unpack("ownerOf", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("ownership: unpack ownerOf: %w", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownership: unexpected ownerOf result %T", values[0])
	}
	return owner, nil
}

// RoyaltiesScale reads percentScale() from the royalties contract once and
// serves the cached value afterwards.
type RoyaltiesScale struct {
	caller  ContractCaller
	address common.Address
	group   singleflight.Group
	cached  atomic.Pointer[uint256.Int]
}

// NewRoyaltiesScale constructs a percent scale source for the royalties contract.
func NewRoyaltiesScale(caller ContractCaller, address common.Address) (*RoyaltiesScale, error) {
	if caller == nil {
		return nil, fmt.Errorf("ownership: contract caller required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("ownership: royalties address required")
	}
	return &RoyaltiesScale{caller: caller, address: address}, nil
}

// PercentScale implements the settlement percent scale source.
func (s *RoyaltiesScale) PercentScale(ctx context.Context) (*uint256.Int, error) {
	if cached := s.cached.Load(); cached != nil {
		return new(uint256.Int).Set(cached), nil
	}
	v, err, _ := s.group.Do("percentScale", func() (any, error) {
		if cached := s.cached.Load(); cached != nil {
			return cached, nil
		}
		scale, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.cached.Store(scale)
		return scale, nil
	})
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(v.(*uint256.Int)), nil
}

func (s *RoyaltiesScale) fetch(ctx context.Context) (*uint256.Int, error) {
	data, err := royaltiesABI.Pack("percentScale")
	if err != nil {
		return nil, fmt.Errorf("ownership: pack percentScale: %w", err)
	}
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ownership: percentScale on %s: %w", s.address.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: percentScale on %s", ErrEmptyResult, s.address.Hex())
	}
	values, err := royaltiesABI.Unpack("percentScale", out)
	if err != nil {
		return nil, fmt.Errorf("ownership: unpack percentScale: %w", err)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ownership: unexpected percentScale result %T", values[0])
	}
	scale, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("ownership: percentScale %s overflows", raw)
	}
	if scale.IsZero() {
		return nil, ErrZeroScale
	}
	return scale, nil
}
