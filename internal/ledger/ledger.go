// Package ledger owns the per-round bookkeeping of player positions: cash
// compounding, mark-to-market valuation, and terminal intrinsic-value
// settlement. All functions mutate positions in place and must be called
// with the owning room's lock held.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/optionpit/game-engine/internal/model"
)

// SeedValuations appends the opening mark-to-market point to every position
// without compounding. Called once when a game starts so the history has a
// baseline before the first round settles.
func SeedValuations(positions map[string]*model.Position, marketPrice decimal.Decimal) {
	for _, pos := range positions {
		pos.ValuationHistory = append(pos.ValuationHistory, markToMarket(pos, marketPrice))
	}
}

// ApplyRoundValuation runs the per-round valuation step for every known
// position, including players who submitted no bid: cash earns one step of
// risk-free carry, then the marked value cash + options × marketPrice is
// appended to the valuation history.
func ApplyRoundValuation(positions map[string]*model.Position, marketPrice, rfStep decimal.Decimal) {
	growth := decimal.NewFromInt(1).Add(rfStep)
	for _, pos := range positions {
		pos.Cash = pos.Cash.Mul(growth)
		pos.ValuationHistory = append(pos.ValuationHistory, markToMarket(pos, marketPrice))
	}
}

// Settlement is one player's terminal outcome.
type Settlement struct {
	FinalCash      decimal.Decimal
	IntrinsicValue decimal.Decimal
}

// Finalize settles every position against the terminal underlying price:
// each option pays max(0, finalUnderlying − strike), the payout folds into
// cash, and the final value is appended to the valuation history so the
// terminal Sharpe computation sees it.
func Finalize(positions map[string]*model.Position, finalUnderlying, strike decimal.Decimal) map[string]Settlement {
	intrinsic := finalUnderlying.Sub(strike)
	if intrinsic.IsNegative() {
		intrinsic = decimal.Zero
	}

	out := make(map[string]Settlement, len(positions))
	for playerID, pos := range positions {
		finalCash := pos.Cash.Add(decimal.NewFromInt(pos.OptionCount).Mul(intrinsic))
		pos.Cash = finalCash
		pos.ValuationHistory = append(pos.ValuationHistory, finalCash)
		out[playerID] = Settlement{FinalCash: finalCash, IntrinsicValue: intrinsic}
	}
	return out
}

func markToMarket(pos *model.Position, marketPrice decimal.Decimal) decimal.Decimal {
	return pos.Cash.Add(decimal.NewFromInt(pos.OptionCount).Mul(marketPrice))
}
