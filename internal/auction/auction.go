// Package auction implements the per-round call-auction matching rule.
//
// Each round collects at most one bid per player. When the admin advances
// the round, bids are sorted (best-first for the house's side), the
// upper-median bid becomes the clearing price, and every bid on the right
// side of that threshold executes at the submitter's own price — a
// discriminatory-price threshold auction. The clearing price itself is only
// the eligibility threshold and the mark-to-market reference.
package auction

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/optionpit/game-engine/internal/model"
)

// Report is the per-player execution outcome broadcast after matching.
type Report struct {
	Executed bool
	Price    decimal.Decimal
}

// Result summarizes one round of matching. Matched is false only when zero
// bids were submitted, in which case ClearingPrice is meaningless and the
// room's market price must stay untouched.
type Result struct {
	Matched       bool
	ClearingPrice decimal.Decimal
	Reports       map[string]Report
}

// ClearingIndex returns the upper-median position ceil(n/2)-1 in a sorted
// bid list of length n ≥ 1.
func ClearingIndex(n int) int {
	return (n+1)/2 - 1
}

// Match executes one round of the threshold auction, mutating the executed
// players' positions in place. Callers must hold the owning room's lock.
//
// SellCall: bids sort descending, a bid executes iff bid ≥ clearing, and the
// player pays their bid for one option. BuyCall: bids sort ascending, a bid
// executes iff bid ≤ clearing, and the player receives their bid for going
// short one option. Ties at the clearing price are included on both sides.
func Match(direction model.PromptType, bids map[string]decimal.Decimal, positions map[string]*model.Position) Result {
	if len(bids) == 0 {
		return Result{Reports: map[string]Report{}}
	}

	type entry struct {
		playerID string
		price    decimal.Decimal
	}
	sorted := make([]entry, 0, len(bids))
	for playerID, price := range bids {
		sorted = append(sorted, entry{playerID, price})
	}
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].price.Cmp(sorted[j].price)
		if cmp == 0 {
			// Deterministic order for equal prices.
			return sorted[i].playerID < sorted[j].playerID
		}
		if direction == model.SellCall {
			return cmp > 0
		}
		return cmp < 0
	})

	clearing := sorted[ClearingIndex(len(sorted))].price

	reports := make(map[string]Report, len(sorted))
	for _, e := range sorted {
		executed := false
		if direction == model.SellCall {
			executed = e.price.Cmp(clearing) >= 0
		} else {
			executed = e.price.Cmp(clearing) <= 0
		}

		if executed {
			if pos, ok := positions[e.playerID]; ok {
				if direction == model.SellCall {
					pos.Cash = pos.Cash.Sub(e.price)
					pos.OptionCount++
				} else {
					pos.Cash = pos.Cash.Add(e.price)
					pos.OptionCount--
				}
			}
		}

		report := Report{Executed: executed}
		if executed {
			report.Price = e.price
		}
		reports[e.playerID] = report
	}

	return Result{Matched: true, ClearingPrice: clearing, Reports: reports}
}
