// Package risk derives the Sharpe ratio from a position's valuation history.
//
// Valuations are decimal, but the mean/stdev math runs in float64 and the
// result is converted back immediately — same policy as any transcendental
// math elsewhere in the engine (sqrt has no exact decimal form).
package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// epsilon is the stdev floor below which the ratio is treated as undefined.
const epsilon = 1e-9

// Scale is the number of decimal places Sharpe results are rounded to.
const Scale int32 = 8

// Sharpe computes the risk-adjusted score over an ordered valuation history:
// mean step return in excess of the per-round risk-free fraction, divided by
// the sample standard deviation of step returns.
//
// Fewer than two valuation points, a near-zero stdev, or a degenerate
// history all yield zero by policy rather than a divergent value. The stdev
// divisor is max(n-1, 1) so a single return never divides by zero.
func Sharpe(history []decimal.Decimal, rfStep decimal.Decimal) decimal.Decimal {
	if len(history) < 2 {
		return decimal.Zero
	}

	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].InexactFloat64()
		cur := history[i].InexactFloat64()
		if prev == 0 {
			return decimal.Zero
		}
		returns = append(returns, (cur-prev)/prev)
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sqDiff float64
	for _, r := range returns {
		sqDiff += (r - mean) * (r - mean)
	}
	divisor := len(returns) - 1
	if divisor < 1 {
		divisor = 1
	}
	stdev := math.Sqrt(sqDiff / float64(divisor))

	if stdev < epsilon {
		return decimal.Zero
	}

	sharpe := (mean - rfStep.InexactFloat64()) / stdev
	if math.IsNaN(sharpe) || math.IsInf(sharpe, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(sharpe).Round(Scale)
}
