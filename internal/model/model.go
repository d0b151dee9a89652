// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	StatusLobby  RoomStatus = "lobby"
	StatusActive RoomStatus = "active"
	StatusOver   RoomStatus = "over"
)

// PromptType is the direction of a trading round: the house either sells
// calls to the players or buys calls from them.
type PromptType string

const (
	SellCall PromptType = "sellCall"
	BuyCall  PromptType = "buyCall"
)

// Game constants. StrikePrice is the single shared strike consumed by
// matching, prompts, and terminal settlement alike.
var (
	StrikePrice  = decimal.NewFromInt(100)
	StartingCash = decimal.NewFromInt(100)
)

const (
	// AnnualRiskFreeRate is the assumed yearly risk-free rate; a full game
	// notionally spans one year of carry spread across its rounds.
	AnnualRiskFreeRate = 0.05

	// DefaultTotalRounds is used when TOTAL_ROUNDS is not configured.
	DefaultTotalRounds = 10

	// RoundDurationUnits is the client-side round countdown length and
	// AdminTickerUnits the cosmetic price-path tick rate. They are
	// deliberately separate constants; neither derives from the other and
	// neither is consulted by server computations.
	RoundDurationUnits = 30
	AdminTickerUnits   = 15

	// HeartbeatProbeInterval is how often all admin connections are pinged;
	// HeartbeatTimeout is how long an admin may stay silent before its room
	// is torn down.
	HeartbeatProbeInterval = 5 * time.Second
	HeartbeatTimeout       = 60 * time.Second

	// PromptReannounceDelay is the one-shot delay before the first round's
	// prompt is re-broadcast after game start.
	PromptReannounceDelay = 3 * time.Second
)

// RiskFreeStep returns the per-round risk-free fraction: the annual rate
// spread evenly across the configured round count.
func RiskFreeStep(totalRounds int) decimal.Decimal {
	if totalRounds < 1 {
		totalRounds = DefaultTotalRounds
	}
	return decimal.NewFromFloat(AnnualRiskFreeRate).
		Div(decimal.NewFromInt(int64(totalRounds)))
}

// Session maps an opaque resumable session identifier to a stable player
// identifier. Sessions live for the process lifetime only.
type Session struct {
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId"`
}

// Position is one player's book in one room. ValuationHistory is append-only
// and is the sole input to the Sharpe computation. OptionCount may go
// negative (short).
type Position struct {
	Cash             decimal.Decimal
	OptionCount      int64
	ValuationHistory []decimal.Decimal
}

// NewPosition seeds the starting position every player receives on join.
func NewPosition() *Position {
	return &Position{Cash: StartingCash}
}

// Room is the full state of one game room. Everything inside a Room is owned
// by that room's single-writer boundary: callers must hold the embedded
// mutex across any read-modify-write of roster, positions, bids, or round
// state, so a round-advance and a concurrent bid submission can never
// partially interleave.
type Room struct {
	sync.Mutex

	ID      string
	AdminID string
	Status  RoomStatus

	StartedAt  time.Time
	RoundIndex int

	StrikePrice decimal.Decimal
	// MarketPrice is the last round's clearing price (zero before any bid
	// has ever matched). It is the mark-to-market reference, not a uniform
	// settlement price.
	MarketPrice decimal.Decimal

	TotalRounds int

	Roster    map[string]string    // playerID → username
	Positions map[string]*Position // playerID → book
	Bids      map[string]decimal.Decimal
}

// NewRoom creates a room in the lobby state.
func NewRoom(roomID, adminID string, totalRounds int) *Room {
	if totalRounds < 1 {
		totalRounds = DefaultTotalRounds
	}
	return &Room{
		ID:          roomID,
		AdminID:     adminID,
		Status:      StatusLobby,
		StrikePrice: StrikePrice,
		MarketPrice: decimal.Zero,
		TotalRounds: totalRounds,
		Roster:      make(map[string]string),
		Positions:   make(map[string]*Position),
		Bids:        make(map[string]decimal.Decimal),
	}
}

// Prompt returns the direction of the round at the given zero-based index:
// the first round is always a house sell, then directions alternate.
func Prompt(roundIndex int) PromptType {
	if roundIndex%2 == 0 {
		return SellCall
	}
	return BuyCall
}
