package game

import (
	"github.com/shopspring/decimal"
)

// Wire event names, client → server.
const (
	EvHeartbeatResponse = "heartbeatResponse"
	EvRoomStart         = "room-start"
	EvTryRoom           = "tryRoom"
	EvJoinRoom          = "join-room"
	EvStartGame         = "startGame"
	EvRoundUpdate       = "roundUpdate"
	EvSubmitBid         = "submitBid"
	EvFinalizeGame      = "finalizeGame"
)

// Wire event names, server → client.
const (
	EvSession            = "session"
	EvHeartbeat          = "heartbeat"
	EvRoomStartSuccess   = "roomStartSuccess"
	EvRoomNameTaken      = "roomNameTaken"
	EvRoomExists         = "roomExists"
	EvNoSuchRoom         = "noSuchRoom"
	EvJoinApproved       = "joinApproved"
	EvUsernameTaken      = "usernameTaken"
	EvGameAlreadyStarted = "gameAlreadyStarted"
	EvUpdateUserDisp     = "updateUserDisp"
	EvGameStartedPlayer  = "gameStartedPlayer"
	EvGameStartedAdmin   = "gameStartedAdmin"
	EvNewTradePrompt     = "newTradePrompt"
	EvTradeResults       = "tradeResults"
	EvPositionsUpdated   = "positionsUpdated"
	EvFinalResults       = "finalResults"
	EvRoomClosed         = "roomClosed"
)

// --- Inbound payloads ---

type roomStartRequest struct {
	RoomID  string `json:"roomId"`
	AdminID string `json:"adminId"`
}

type tryRoomRequest struct {
	RoomID string `json:"roomId"`
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	PlayerID string `json:"playerId"`
}

type adminRequest struct {
	AdminID string `json:"adminId"`
}

type submitBidRequest struct {
	Price    decimal.Decimal `json:"price"`
	PlayerID string          `json:"playerId"`
}

type finalizeRequest struct {
	AdminID              string          `json:"adminId"`
	FinalUnderlyingPrice decimal.Decimal `json:"finalUnderlyingPrice"`
}

// --- Outbound payloads ---

// SessionPayload is pushed once per connect.
type SessionPayload struct {
	SessionID    string `json:"sessionId"`
	PlayerID     string `json:"playerId"`
	PageState    string `json:"pageState"`
	ClientBehind bool   `json:"clientBehind"`
}

// RoomPayload names a room in simple acks and notices.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// RosterPayload carries the room's display list after a join.
type RosterPayload struct {
	Users []string `json:"users"`
}

// PromptPayload announces the next round's direction.
type PromptPayload struct {
	PromptType string `json:"promptType"`
	Round      int    `json:"round"`
}

// TradeReport is one player's execution outcome for the settled round.
// Price is present only when the bid executed.
type TradeReport struct {
	Executed bool             `json:"executed"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// PositionUpdate is one player's entry in the per-round positionsUpdated
// broadcast.
type PositionUpdate struct {
	Cash             decimal.Decimal   `json:"cash"`
	OptionCount      int64             `json:"optionCount"`
	ValuationHistory []decimal.Decimal `json:"valuationHistory"`
	MarketPrice      decimal.Decimal   `json:"marketPrice"`
	Sharpe           decimal.Decimal   `json:"sharpe"`
}

// FinalResult is one player's terminal snapshot.
type FinalResult struct {
	Username             string            `json:"username"`
	FinalCash            decimal.Decimal   `json:"finalCash"`
	Sharpe               decimal.Decimal   `json:"sharpe"`
	OptionCount          int64             `json:"optionCount"`
	IntrinsicValue       decimal.Decimal   `json:"intrinsicValue"`
	ValuationHistory     []decimal.Decimal `json:"valuationHistory"`
	FinalUnderlyingPrice decimal.Decimal   `json:"finalUnderlyingPrice"`
}
