package math

import (
	"math/big"
	"sync"
)

// Fixed-point conventions for the vault core. All asset values and share
// quantities are 18-decimal integers; the liquidity-provider rate is an
// 18-decimal value-per-share scalar.
const (
	ValueDecimals = 18
	RateDecimals  = 18

	// BpsDenominator is the basis-point denominator for fee percentages.
	BpsDenominator = 10_000
)

var (
	// ValueScale is 10^18, the scale of value and share units.
	ValueScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(ValueDecimals), nil)

	// RateScale equals ValueScale; kept as a separate name so rate math
	// reads correctly at call sites.
	RateScale = new(big.Int).Set(ValueScale)
)

// RoundingMode controls quotient rounding in MulDiv.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// intPool recycles big.Int intermediates on the hot valuation path.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// MulDiv computes a * b / denom with the requested rounding mode.
// Intermediates are arbitrary precision, so no overflow is possible.
func MulDiv(a, b, denom *big.Int, mode RoundingMode) *big.Int {
	if denom.Sign() == 0 {
		panic("math: MulDiv division by zero")
	}

	num := getInt()
	num.Mul(a, b)

	quo := new(big.Int)
	rem := getInt()
	quo.QuoRem(num, denom, rem)

	switch mode {
	case RoundUp:
		if rem.Sign() != 0 {
			quo.Add(quo, big.NewInt(1))
		}
	case RoundHalfEven:
		// Banker's rounding on the remainder.
		twice := getInt()
		twice.Lsh(rem, 1)
		cmp := twice.CmpAbs(denom)
		if cmp > 0 || (cmp == 0 && quo.Bit(0) == 1) {
			quo.Add(quo, big.NewInt(1))
		}
		putInt(twice)
	}

	putInt(num)
	putInt(rem)
	return quo
}

// Rescale converts amount from one decimal precision to another, truncating
// when precision is reduced.
func Rescale(amount *big.Int, fromDecimals, toDecimals int) *big.Int {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	if toDecimals > fromDecimals {
		return new(big.Int).Mul(amount, pow10(toDecimals-fromDecimals))
	}
	return new(big.Int).Quo(amount, pow10(fromDecimals-toDecimals))
}

// TokenValue converts a raw token amount into 18-decimal value units using
// an oracle price quoted with priceDecimals precision.
//
//	value = amount * price / 10^(tokenDecimals + priceDecimals - 18)
func TokenValue(amount *big.Int, tokenDecimals int, price *big.Int, priceDecimals int) *big.Int {
	shift := tokenDecimals + priceDecimals - ValueDecimals
	if shift >= 0 {
		return MulDiv(amount, price, pow10(shift), RoundDown)
	}
	raw := new(big.Int).Mul(amount, price)
	return raw.Mul(raw, pow10(-shift))
}

// TokenAmount is the inverse of TokenValue: the raw token amount whose
// oracle value equals the given 18-decimal value. Rounds down so the vault
// never pays out more than the value owed.
func TokenAmount(value *big.Int, tokenDecimals int, price *big.Int, priceDecimals int) *big.Int {
	if price.Sign() == 0 {
		panic("math: TokenAmount zero price")
	}
	shift := tokenDecimals + priceDecimals - ValueDecimals
	if shift >= 0 {
		num := new(big.Int).Mul(value, pow10(shift))
		return num.Quo(num, price)
	}
	return MulDiv(value, big.NewInt(1), new(big.Int).Mul(price, pow10(-shift)), RoundDown)
}

// SharesForValue converts an 18-decimal value into shares at the given rate.
func SharesForValue(value, rate *big.Int) *big.Int {
	return MulDiv(value, RateScale, rate, RoundDown)
}

// ValueForShares converts shares back into 18-decimal value at the given rate.
func ValueForShares(shares, rate *big.Int) *big.Int {
	return MulDiv(shares, rate, RateScale, RoundDown)
}

// BpsShare returns amount * bps / 10_000, rounding down.
func BpsShare(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), big.NewInt(BpsDenominator), RoundDown)
}

var pow10Cache = func() []*big.Int {
	cache := make([]*big.Int, 40)
	for i := range cache {
		cache[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
	return cache
}()

func pow10(n int) *big.Int {
	if n < 0 {
		panic("math: negative pow10")
	}
	if n < len(pow10Cache) {
		return pow10Cache[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
