package fixed_test

import (
	"testing"

	"PerpBook/internal/fixed"
)

const (
	size01  = 100_000_000_000_000_000 // 0.1 in size scale
	size1   = 1_000_000_000_000_000_000
	px1800  = 1_800_000_000 // 1800 in price scale
	px1900  = 1_900_000_000
	px2000  = 2_000_000_000
	q180    = 180_000_000 // 180 in quote scale
)

func TestNotional(t *testing.T) {
	cases := []struct {
		name  string
		size  int64
		price int64
		want  int64
	}{
		{"long 0.1 at 1800", size01, px1800, q180},
		{"short 0.1 at 1800", -size01, px1800, q180},
		{"full unit", size1, px1800, 1_800_000_000},
		{"zero size", 0, px1800, 0},
	}
	for _, tc := range cases {
		if got := fixed.Notional(tc.size, tc.price); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestMulRate(t *testing.T) {
	// 0.25% of 180 quote
	if got := fixed.MulRate(q180, 2_500); got != 450_000 {
		t.Errorf("maker fee: got %d, want 450000", got)
	}
	// 20% of 180 quote
	if got := fixed.MulRate(q180, 200_000); got != 36_000_000 {
		t.Errorf("margin fraction: got %d, want 36000000", got)
	}
}

func TestMulRate_HalfEvenRounding(t *testing.T) {
	// 3 * 0.5 = 1.5 rounds to the even neighbour 2
	if got := fixed.MulRate(3, 500_000); got != 2 {
		t.Errorf("1.5 should round to 2, got %d", got)
	}
	// 1 * 0.5 = 0.5 rounds to the even neighbour 0
	if got := fixed.MulRate(1, 500_000); got != 0 {
		t.Errorf("0.5 should round to 0, got %d", got)
	}
	// Symmetric for negative amounts
	if got := fixed.MulRate(-3, 500_000); got != -2 {
		t.Errorf("-1.5 should round to -2, got %d", got)
	}
	if got := fixed.MulRate(-1, 500_000); got != 0 {
		t.Errorf("-0.5 should round to 0, got %d", got)
	}
}

func TestMulDiv(t *testing.T) {
	if got := fixed.MulDiv(370_000_000, size01, 2*size01); got != 185_000_000 {
		t.Errorf("pro-rata half: got %d, want 185000000", got)
	}
	if got := fixed.MulDiv(100, 1, 0); got != 0 {
		t.Errorf("zero denominator: got %d, want 0", got)
	}
	// 10_000_000 / 24 = 416666.67, rounds up
	if got := fixed.MulDiv(10_000_000, 1, 24); got != 416_667 {
		t.Errorf("premium normalization: got %d, want 416667", got)
	}
}

func TestPnLOnClose(t *testing.T) {
	// Long 0.1 entered at 180 quote, exits at 2000: 200 - 180 = +20
	if got := fixed.PnLOnClose(size01, q180, px2000); got != 20_000_000 {
		t.Errorf("long profit: got %d, want 20000000", got)
	}
	// Long exits below entry: loss
	if got := fixed.PnLOnClose(size01, q180, 1_700_000_000); got != -10_000_000 {
		t.Errorf("long loss: got %d, want -10000000", got)
	}
	// Short 0.1 entered at 180 quote, exits at 1700: 180 - 170 = +10
	if got := fixed.PnLOnClose(-size01, q180, 1_700_000_000); got != 10_000_000 {
		t.Errorf("short profit: got %d, want 10000000", got)
	}
	// Short exits above entry: loss
	if got := fixed.PnLOnClose(-size01, q180, px1900); got != -10_000_000 {
		t.Errorf("short loss: got %d, want -10000000", got)
	}
}

func TestFundingPayment(t *testing.T) {
	// Positive premium delta: longs pay, shorts receive
	if got := fixed.FundingPayment(416_667, size01); got != 41_667 {
		t.Errorf("long pays: got %d, want 41667", got)
	}
	if got := fixed.FundingPayment(416_667, -size01); got != -41_667 {
		t.Errorf("short receives: got %d, want -41667", got)
	}
	if got := fixed.FundingPayment(0, size1); got != 0 {
		t.Errorf("zero delta: got %d, want 0", got)
	}
}

func TestAbsSign(t *testing.T) {
	if fixed.Abs(-5) != 5 || fixed.Abs(5) != 5 || fixed.Abs(0) != 0 {
		t.Error("Abs broken")
	}
	if fixed.Sign(-5) != -1 || fixed.Sign(5) != 1 || fixed.Sign(0) != 0 {
		t.Error("Sign broken")
	}
}

func TestNotional_NoOverflowAtScale(t *testing.T) {
	// 5 units at 100k quote each: the raw product exceeds int64, so it must
	// route through the big.Int intermediate.
	size := int64(5) * size1
	price := int64(100_000) * 1_000_000
	want := int64(500_000) * 1_000_000
	if got := fixed.Notional(size, price); got != want {
		t.Errorf("large notional: got %d, want %d", got, want)
	}
}
