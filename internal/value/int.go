package value

import (
	"math"
	"math/big"
	"strconv"
)

// Int is a signed 128-bit integer leaf, stored as two's complement halves
// so that it stays comparable with ==.
type Int struct {
	hi int64
	lo uint64
}

func (Int) value() {}

var (
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	mask64    = new(big.Int).SetUint64(math.MaxUint64)
)

// NewInt creates an Int from an int64.
func NewInt(n int64) Int {
	return Int{hi: n >> 63, lo: uint64(n)}
}

// NewUint creates an Int from a uint64.
func NewUint(n uint64) Int {
	return Int{lo: n}
}

// IntFromBig converts b to an Int. ok is false when b is outside the
// 128-bit signed range.
func IntFromBig(b *big.Int) (i Int, ok bool) {
	if b.Cmp(minInt128) < 0 || b.Cmp(maxInt128) > 0 {
		return Int{}, false
	}
	x := new(big.Int).Set(b)
	if x.Sign() < 0 {
		x.Add(x, two128)
	}
	lo := new(big.Int).And(x, mask64).Uint64()
	hi := new(big.Int).Rsh(x, 64).Uint64()
	return Int{hi: int64(hi), lo: lo}, true
}

// ParseInt parses a base-10 integer in the 128-bit signed range.
func ParseInt(s string) (Int, bool) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int{}, false
	}
	return IntFromBig(b)
}

// Big returns the value as a big.Int.
func (i Int) Big() *big.Int {
	b := big.NewInt(i.hi)
	b.Lsh(b, 64)
	return b.Add(b, new(big.Int).SetUint64(i.lo))
}

// Int64 returns the value if it fits an int64.
func (i Int) Int64() (int64, bool) {
	switch {
	case i.hi == 0 && i.lo <= math.MaxInt64:
		return int64(i.lo), true
	case i.hi == -1 && i.lo > math.MaxInt64:
		return int64(i.lo), true
	default:
		return 0, false
	}
}

// Uint64 returns the value if it fits a uint64.
func (i Int) Uint64() (uint64, bool) {
	if i.hi != 0 {
		return 0, false
	}
	return i.lo, true
}

// Sign returns -1, 0 or +1.
func (i Int) Sign() int {
	switch {
	case i.hi < 0:
		return -1
	case i.hi == 0 && i.lo == 0:
		return 0
	default:
		return 1
	}
}

// String returns the base-10 representation.
func (i Int) String() string {
	if n, ok := i.Int64(); ok {
		return strconv.FormatInt(n, 10)
	}
	return i.Big().String()
}
