package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestSharpe_ShortHistoryIsZero(t *testing.T) {
	rf := d(0.005)

	if got := Sharpe(nil, rf); !got.IsZero() {
		t.Errorf("empty history: got %s, want 0", got)
	}
	if got := Sharpe([]decimal.Decimal{d(100)}, rf); !got.IsZero() {
		t.Errorf("single point: got %s, want 0", got)
	}
}

func TestSharpe_SingleReturnIsZero(t *testing.T) {
	// Two points yield one return; with divisor floored at 1 the squared
	// deviation from the mean is exactly zero, so stdev hits the epsilon
	// floor and the ratio is defined as zero.
	got := Sharpe([]decimal.Decimal{d(100), d(110)}, d(0.005))
	if !got.IsZero() {
		t.Errorf("one return: got %s, want 0", got)
	}
}

func TestSharpe_ConstantHistoryIsZero(t *testing.T) {
	history := []decimal.Decimal{d(100), d(100), d(100), d(100)}
	if got := Sharpe(history, d(0.005)); !got.IsZero() {
		t.Errorf("zero-variance history: got %s, want 0", got)
	}
}

func TestSharpe_KnownValue(t *testing.T) {
	// Returns: +10%, -10%. Mean 0, sample stdev sqrt(0.02) ≈ 0.1414214.
	// Sharpe = (0 - 0.005) / 0.1414214 ≈ -0.0353553.
	history := []decimal.Decimal{d(100), d(110), d(99)}
	got := Sharpe(history, d(0.005))

	want := d(-0.0353553)
	if got.Sub(want).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("got %s, want ≈ %s", got, want)
	}
}

func TestSharpe_SignFollowsExcessReturn(t *testing.T) {
	// Steadily rising but noisy history: mean return well above the
	// risk-free step, so the ratio must be positive.
	history := []decimal.Decimal{d(100), d(112), d(105), d(121), d(118)}
	got := Sharpe(history, d(0.005))
	if !got.IsPositive() {
		t.Errorf("expected positive ratio, got %s", got)
	}
}

func TestSharpe_ZeroValuationIsZero(t *testing.T) {
	// A zero point makes the following step return undefined; defined as
	// zero by policy rather than producing a divergent value.
	history := []decimal.Decimal{d(100), d(0), d(50)}
	if got := Sharpe(history, d(0.005)); !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}
