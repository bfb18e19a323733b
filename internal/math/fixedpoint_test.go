package math_test

import (
	"math/big"
	"testing"

	fpmath "OmniVault/internal/math"
)

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_RoundDown(t *testing.T) {
	got := fpmath.MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2), fpmath.RoundDown)
	if got.Int64() != 10 {
		t.Errorf("7*3/2 round down: got %d, want 10", got.Int64())
	}
}

func TestMulDiv_RoundUp(t *testing.T) {
	got := fpmath.MulDiv(big.NewInt(7), big.NewInt(3), big.NewInt(2), fpmath.RoundUp)
	if got.Int64() != 11 {
		t.Errorf("7*3/2 round up: got %d, want 11", got.Int64())
	}

	// Exact division must not be bumped
	got = fpmath.MulDiv(big.NewInt(6), big.NewInt(3), big.NewInt(2), fpmath.RoundUp)
	if got.Int64() != 9 {
		t.Errorf("6*3/2 round up: got %d, want 9", got.Int64())
	}
}

func TestMulDiv_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, denom, want int64
	}{
		{5, 1, 2, 2},  // 2.5 -> 2 (even)
		{7, 1, 2, 4},  // 3.5 -> 4 (even)
		{3, 1, 2, 2},  // 1.5 -> 2
		{11, 1, 4, 3}, // 2.75 -> 3
		{9, 1, 4, 2},  // 2.25 -> 2
	}
	for _, c := range cases {
		got := fpmath.MulDiv(big.NewInt(c.a), big.NewInt(c.b), big.NewInt(c.denom), fpmath.RoundHalfEven)
		if got.Int64() != c.want {
			t.Errorf("%d*%d/%d half-even: got %d, want %d", c.a, c.b, c.denom, got.Int64(), c.want)
		}
	}
}

func TestMulDiv_NoOverflow(t *testing.T) {
	// int64 max squared overflows int64; MulDiv must not.
	a := big.NewInt(1<<62 + 12345)
	got := fpmath.MulDiv(a, a, a, fpmath.RoundDown)
	if got.Cmp(a) != 0 {
		t.Errorf("a*a/a: got %s, want %s", got, a)
	}
}

func TestMulDiv_ZeroDenominator_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on zero denominator")
		}
	}()
	fpmath.MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0), fpmath.RoundDown)
}

// ============================================================================
// Test: Token valuation
// ============================================================================

func TestTokenValue_USDC(t *testing.T) {
	// 1000 USDC (6 decimals) at $1.00 (price 1e8, 8 decimals) = 1000e18 value
	amount := big.NewInt(1_000_000_000)
	price := big.NewInt(100_000_000)

	got := fpmath.TokenValue(amount, 6, price, 8)
	want := new(big.Int).Mul(big.NewInt(1000), fpmath.ValueScale)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestTokenValue_ETH(t *testing.T) {
	// 1 ETH (18 decimals) at $5000 (price 5000e8) = 5000e18 value
	amount := new(big.Int).Set(fpmath.ValueScale)
	price := big.NewInt(500_000_000_000)

	got := fpmath.TokenValue(amount, 18, price, 8)
	want := new(big.Int).Mul(big.NewInt(5000), fpmath.ValueScale)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestTokenAmount_RoundTrip(t *testing.T) {
	// $250 of USDC at $1.00 = 250e6 raw units
	value := new(big.Int).Mul(big.NewInt(250), fpmath.ValueScale)
	price := big.NewInt(100_000_000)

	amount := fpmath.TokenAmount(value, 6, price, 8)
	if amount.Int64() != 250_000_000 {
		t.Errorf("got %d, want 250_000_000", amount.Int64())
	}

	back := fpmath.TokenValue(amount, 6, price, 8)
	if back.Cmp(value) != 0 {
		t.Errorf("round trip: got %s, want %s", back, value)
	}
}

func TestTokenAmount_RoundsDown(t *testing.T) {
	// Value not exactly representable in 6-decimal units at price $3.
	price := big.NewInt(300_000_000)
	value := big.NewInt(1_000_000_000_000_000_001) // slightly over $1

	amount := fpmath.TokenAmount(value, 6, price, 8)
	back := fpmath.TokenValue(amount, 6, price, 8)
	if back.Cmp(value) > 0 {
		t.Errorf("payout value %s exceeds owed value %s", back, value)
	}
}

// ============================================================================
// Test: Share conversion
// ============================================================================

func TestSharesForValue_InitialRate(t *testing.T) {
	// At the initial rate (1.0), value and shares are identical.
	value := new(big.Int).Mul(big.NewInt(6000), fpmath.ValueScale)
	shares := fpmath.SharesForValue(value, fpmath.RateScale)
	if shares.Cmp(value) != 0 {
		t.Errorf("got %s, want %s", shares, value)
	}
}

func TestSharesForValue_AppreciatedRate(t *testing.T) {
	// Rate 1.5: $300 buys 200 shares.
	value := new(big.Int).Mul(big.NewInt(300), fpmath.ValueScale)
	rate := new(big.Int).Mul(big.NewInt(15), new(big.Int).Quo(fpmath.RateScale, big.NewInt(10)))

	shares := fpmath.SharesForValue(value, rate)
	want := new(big.Int).Mul(big.NewInt(200), fpmath.ValueScale)
	if shares.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", shares, want)
	}
}

func TestValueForShares_Inverse(t *testing.T) {
	shares := new(big.Int).Mul(big.NewInt(123), fpmath.ValueScale)
	rate := new(big.Int).Mul(big.NewInt(2), fpmath.RateScale)

	value := fpmath.ValueForShares(shares, rate)
	want := new(big.Int).Mul(big.NewInt(246), fpmath.ValueScale)
	if value.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", value, want)
	}
}

// ============================================================================
// Test: Rescale / BpsShare
// ============================================================================

func TestRescale(t *testing.T) {
	up := fpmath.Rescale(big.NewInt(5), 6, 18)
	if up.Cmp(big.NewInt(5_000_000_000_000)) != 0 {
		t.Errorf("rescale up: got %s", up)
	}

	down := fpmath.Rescale(big.NewInt(1_999_999), 6, 0)
	if down.Int64() != 1 {
		t.Errorf("rescale down truncates: got %d, want 1", down.Int64())
	}

	same := fpmath.Rescale(big.NewInt(42), 8, 8)
	if same.Int64() != 42 {
		t.Errorf("rescale same: got %d", same.Int64())
	}
}

func TestBpsShare(t *testing.T) {
	// 500 bps of 1000 is 50.
	got := fpmath.BpsShare(big.NewInt(1000), 500)
	if got.Int64() != 50 {
		t.Errorf("got %d, want 50", got.Int64())
	}

	// Rounds down.
	got = fpmath.BpsShare(big.NewInt(3), 500)
	if got.Int64() != 0 {
		t.Errorf("got %d, want 0", got.Int64())
	}
}
