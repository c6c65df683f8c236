package percent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when an intermediate or final value does not fit in 256 bits.
	ErrOverflow = errors.New("percent: uint256 overflow")
	// ErrDivisionByZero is returned when a share computation would divide by zero.
	ErrDivisionByZero = errors.New("percent: division by zero")
	// ErrInvalidScale is returned for a zero percent scale.
	ErrInvalidScale = errors.New("percent: scale must be positive")
	// ErrExceedsFull is returned for share values above 100%.
	ErrExceedsFull = errors.New("percent: value exceeds 100%")
	// ErrInexact is returned when a basis point value cannot be represented in the scale.
	ErrInexact = errors.New("percent: value not representable in scale")
)

const hundred = 100

// Scale is the fixed-point convention used by every share computation. One
// percent is represented by a fixed number of integer units, so 100% is that
// number times one hundred.
type Scale struct {
	units *uint256.Int
	full  *uint256.Int
}

// NewScale constructs a scale from the integer number of units per percent.
func NewScale(units *uint256.Int) (Scale, error) {
	if units == nil || units.IsZero() {
		return Scale{}, ErrInvalidScale
	}
	full, overflow := new(uint256.Int).MulOverflow(units, uint256.NewInt(hundred))
	if overflow {
		return Scale{}, ErrOverflow
	}
	return Scale{units: new(uint256.Int).Set(units), full: full}, nil
}

// MustScale is NewScale for constants known to be valid.
func MustScale(units uint64) Scale {
	scale, err := NewScale(uint256.NewInt(units))
	if err != nil {
		panic(err)
	}
	return scale
}

// IsZero reports whether the scale was never initialised.
func (s Scale) IsZero() bool {
	return s.units == nil
}

// Units returns a copy of the units-per-percent value.
func (s Scale) Units() *uint256.Int {
	if s.units == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.units)
}

// Full returns a copy of the raw value representing 100%.
func (s Scale) Full() *uint256.Int {
	if s.full == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.full)
}

// FromPercent converts a whole percentage into raw units.
func (s Scale) FromPercent(pct uint64) (*uint256.Int, error) {
	if s.IsZero() {
		return nil, ErrInvalidScale
	}
	if pct > hundred {
		return nil, fmt.Errorf("%w: %d%%", ErrExceedsFull, pct)
	}
	return new(uint256.Int).Mul(s.units, uint256.NewInt(pct)), nil
}

// FromBasisPoints converts basis points (1bp = 0.01%) into raw units. The
// conversion must be exact; scales finer than 100 units per percent always are.
func (s Scale) FromBasisPoints(bp uint64) (*uint256.Int, error) {
	if s.IsZero() {
		return nil, ErrInvalidScale
	}
	if bp > hundred*hundred {
		return nil, fmt.Errorf("%w: %dbp", ErrExceedsFull, bp)
	}
	num := new(uint256.Int).Mul(s.units, uint256.NewInt(bp))
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(num, uint256.NewInt(hundred), rem)
	if !rem.IsZero() {
		return nil, fmt.Errorf("%w: %dbp at %s units per percent", ErrInexact, bp, s.units.Dec())
	}
	return quo, nil
}

// Validate rejects raw values above 100%.
func (s Scale) Validate(raw *uint256.Int) error {
	if raw == nil {
		return nil
	}
	if s.IsZero() {
		return ErrInvalidScale
	}
	if raw.Gt(s.full) {
		return fmt.Errorf("%w: %s > %s", ErrExceedsFull, raw.Dec(), s.full.Dec())
	}
	return nil
}

// Format renders a raw value as a percentage, e.g. 305000 at 10000 units per
// percent is "30.5%". Scales that are not a power of ten render as raw/full.
func (s Scale) Format(raw *uint256.Int) string {
	if raw == nil || s.IsZero() {
		return "0%"
	}
	units := s.units.Dec()
	if strings.TrimRight(units[1:], "0") != "" || units[0] != '1' {
		return raw.Dec() + "/" + s.full.Dec()
	}
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(raw, s.units, rem)
	if rem.IsZero() {
		return quo.Dec() + "%"
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", len(units)-1-len(frac)) + frac
	return quo.Dec() + "." + strings.TrimRight(frac, "0") + "%"
}

// MulDiv computes a*b/c with truncating division and a 512-bit intermediate.
func MulDiv(a, b, c *uint256.Int) (*uint256.Int, error) {
	if a == nil || b == nil || c == nil {
		return nil, ErrDivisionByZero
	}
	if c.IsZero() {
		return nil, ErrDivisionByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(a, b, c)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a.Dec(), b.Dec(), c.Dec())
	}
	return out, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return out, nil
}

// Sub returns a-b, failing instead of wrapping when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return out, nil
}
