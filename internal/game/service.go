// Package game is the round engine: it dispatches inbound events onto the
// registry, ledger, and auction, and pushes resulting state back out through
// the hub. Every mutation of one room's state happens under that room's
// lock, so a round advance and a concurrent bid submission can never
// partially interleave.
//
// Error policy follows the wire contract: user-facing violations (name
// collisions, duplicate usernames, joining a started game) are answered
// with a single named event to the originating connection; everything else
// malformed is logged at debug and dropped without a nack.
package game

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionpit/game-engine/internal/auction"
	"github.com/optionpit/game-engine/internal/heartbeat"
	"github.com/optionpit/game-engine/internal/ledger"
	"github.com/optionpit/game-engine/internal/metrics"
	"github.com/optionpit/game-engine/internal/model"
	"github.com/optionpit/game-engine/internal/registry"
	"github.com/optionpit/game-engine/internal/risk"
	"github.com/optionpit/game-engine/internal/session"
	"github.com/optionpit/game-engine/internal/ws"
)

// Broadcaster is the outbound side of the transport. *ws.Hub satisfies it;
// tests inject a fake.
type Broadcaster interface {
	SendTo(playerID, event string, payload any)
	BroadcastRoom(roomID, event string, payload any)
	BroadcastAdmins(event string, payload any)
	JoinRoom(roomID, playerID string)
	DropRoom(roomID string)
	AddAdmin(playerID string)
	RemoveAdmin(playerID string)
}

// Config tunes the service. Zero values fall back to the model constants,
// so production wiring passes Config{TotalRounds: n} and tests shrink the
// heartbeat windows.
type Config struct {
	TotalRounds    int
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	ReannounceWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.TotalRounds < 1 {
		c.TotalRounds = model.DefaultTotalRounds
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = model.HeartbeatProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = model.HeartbeatTimeout
	}
	if c.ReannounceWait <= 0 {
		c.ReannounceWait = model.PromptReannounceDelay
	}
	return c
}

// Service owns the engine's control flow. It implements ws.Handler.
type Service struct {
	sessions *session.Store
	reg      *registry.Registry
	hub      Broadcaster
	monitor  *heartbeat.Monitor
	cfg      Config

	mu         sync.Mutex
	reannounce map[string]*time.Timer // roomID → pending prompt re-broadcast
}

// NewService wires the engine together. The heartbeat monitor it creates
// probes the admin channel and tears down the room of any admin that stays
// silent past the timeout.
func NewService(sessions *session.Store, reg *registry.Registry, hub Broadcaster, cfg Config) *Service {
	s := &Service{
		sessions:   sessions,
		reg:        reg,
		hub:        hub,
		cfg:        cfg.withDefaults(),
		reannounce: make(map[string]*time.Timer),
	}
	s.monitor = heartbeat.NewMonitor(
		s.cfg.ProbeInterval,
		s.cfg.ProbeTimeout,
		func() { s.hub.BroadcastAdmins(EvHeartbeat, nil) },
		s.expireAdmin,
	)
	return s
}

// Start launches the heartbeat probe loop.
func (s *Service) Start() { s.monitor.Start() }

// Shutdown stops the heartbeat monitor and closes every live room,
// broadcasting roomClosed so clients return to the entry screen.
func (s *Service) Shutdown() {
	s.monitor.Stop()
	for _, roomID := range s.reg.RoomIDs() {
		s.closeRoom(roomID, "shutdown")
	}
}

// Monitor exposes the heartbeat monitor (used by tests).
func (s *Service) Monitor() *heartbeat.Monitor { return s.monitor }

// --- ws.Handler ---

// Resolve resumes a presented session or mints a fresh one.
func (s *Service) Resolve(sessionID string) model.Session {
	if sessionID != "" {
		if sess, ok := s.sessions.Resume(sessionID); ok {
			return sess
		}
	}
	return s.sessions.Mint()
}

// Connected reconciles what screen the connecting client should be on,
// re-attaches it to its room and admin channels, and pushes the session
// event.
func (s *Service) Connected(sess model.Session) {
	state := s.reg.Reconcile(sess.PlayerID)

	if state.RoomID != "" {
		s.hub.JoinRoom(state.RoomID, sess.PlayerID)
	}
	if state.Page == registry.PageAdminLobby || state.Page == registry.PageAdminActive {
		s.hub.AddAdmin(sess.PlayerID)
		s.monitor.Track(sess.PlayerID)
	}

	s.hub.SendTo(sess.PlayerID, EvSession, SessionPayload{
		SessionID:    sess.SessionID,
		PlayerID:     sess.PlayerID,
		PageState:    string(state.Page),
		ClientBehind: state.MayBeStale,
	})
}

// Disconnected is informational; roster entries and positions outlive a
// dropped connection, and admin liveness is governed by the heartbeat.
func (s *Service) Disconnected(playerID string) {
	slog.Debug("ws client disconnected", "player", playerID)
}

// HandleMessage dispatches one inbound frame to completion.
func (s *Service) HandleMessage(connPlayerID string, payload []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Debug("discarding malformed frame", "player", connPlayerID, "err", err)
		return
	}

	switch env.Event {
	case EvHeartbeatResponse:
		var req adminRequest
		if json.Unmarshal(env.Data, &req) == nil && req.AdminID != "" {
			s.monitor.Ack(req.AdminID)
		}
	case EvRoomStart:
		s.handleRoomStart(connPlayerID, env.Data)
	case EvTryRoom:
		s.handleTryRoom(connPlayerID, env.Data)
	case EvJoinRoom:
		s.handleJoinRoom(connPlayerID, env.Data)
	case EvStartGame:
		s.handleStartGame(env.Data)
	case EvRoundUpdate:
		s.handleRoundUpdate(env.Data)
	case EvSubmitBid:
		s.handleSubmitBid(env.Data)
	case EvFinalizeGame:
		s.handleFinalizeGame(env.Data)
	default:
		slog.Debug("unknown event", "event", env.Event, "player", connPlayerID)
	}
}

// --- Room lifecycle ---

func (s *Service) handleRoomStart(conn string, data json.RawMessage) {
	var req roomStartRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" || req.AdminID == "" {
		return
	}

	room, err := s.reg.Open(req.RoomID, req.AdminID)
	switch err {
	case nil:
	case registry.ErrRoomNameTaken:
		s.hub.SendTo(conn, EvRoomNameTaken, RoomPayload{RoomID: req.RoomID})
		return
	default:
		slog.Debug("room-start dropped", "room", req.RoomID, "admin", req.AdminID, "err", err)
		return
	}

	s.hub.JoinRoom(room.ID, req.AdminID)
	s.hub.AddAdmin(req.AdminID)
	s.monitor.Track(req.AdminID)

	metrics.RoomsOpened.Inc()
	metrics.ActiveRooms.Inc()
	slog.Info("room opened", "room", room.ID, "admin", req.AdminID)

	s.hub.SendTo(conn, EvRoomStartSuccess, RoomPayload{RoomID: room.ID})
}

func (s *Service) handleTryRoom(conn string, data json.RawMessage) {
	var req tryRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		return
	}

	if s.reg.Probe(req.RoomID) {
		s.hub.SendTo(conn, EvRoomExists, RoomPayload{RoomID: req.RoomID})
	} else {
		s.hub.SendTo(conn, EvNoSuchRoom, RoomPayload{RoomID: req.RoomID})
	}
}

func (s *Service) handleJoinRoom(conn string, data json.RawMessage) {
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" || req.Username == "" || req.PlayerID == "" {
		return
	}

	room, err := s.reg.Join(req.RoomID, req.Username, req.PlayerID)
	switch err {
	case nil:
	case registry.ErrNoSuchRoom:
		s.hub.SendTo(conn, EvNoSuchRoom, RoomPayload{RoomID: req.RoomID})
		return
	case registry.ErrUsernameTaken:
		s.hub.SendTo(conn, EvUsernameTaken, RoomPayload{RoomID: req.RoomID})
		return
	case registry.ErrGameAlreadyStarted:
		s.hub.SendTo(conn, EvGameAlreadyStarted, RoomPayload{RoomID: req.RoomID})
		return
	default:
		return
	}

	s.hub.JoinRoom(room.ID, req.PlayerID)
	s.hub.SendTo(conn, EvJoinApproved, RoomPayload{RoomID: room.ID})

	room.Lock()
	users := make([]string, 0, len(room.Roster))
	for _, name := range room.Roster {
		users = append(users, name)
	}
	room.Unlock()

	slog.Info("player joined", "room", room.ID, "player", req.PlayerID, "username", req.Username)
	s.hub.BroadcastRoom(room.ID, EvUpdateUserDisp, RosterPayload{Users: users})
}

// --- Game flow ---

func (s *Service) handleStartGame(data json.RawMessage) {
	var req adminRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AdminID == "" {
		return
	}

	room, ok := s.reg.RoomByAdmin(req.AdminID)
	if !ok {
		return
	}

	room.Lock()
	if room.Status != model.StatusLobby {
		room.Unlock()
		return
	}
	room.Status = model.StatusActive
	room.StartedAt = time.Now().UTC()
	room.RoundIndex = 0
	ledger.SeedValuations(room.Positions, room.MarketPrice)
	prompt := model.Prompt(room.RoundIndex)
	round := room.RoundIndex
	players := len(room.Roster)
	room.Unlock()

	slog.Info("game started", "room", room.ID, "players", players)

	s.hub.BroadcastRoom(room.ID, EvGameStartedPlayer, RoomPayload{RoomID: room.ID})
	s.hub.SendTo(req.AdminID, EvGameStartedAdmin, RoomPayload{RoomID: room.ID})
	s.announcePrompt(room.ID, prompt, round)
	s.scheduleReannounce(room.ID, prompt, round)
}

func (s *Service) handleRoundUpdate(data json.RawMessage) {
	var req adminRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AdminID == "" {
		return
	}

	room, ok := s.reg.RoomByAdmin(req.AdminID)
	if !ok {
		return
	}

	room.Lock()
	if room.Status != model.StatusActive {
		room.Unlock()
		return
	}

	direction := model.Prompt(room.RoundIndex)
	result := auction.Match(direction, room.Bids, room.Positions)
	if result.Matched {
		room.MarketPrice = result.ClearingPrice
	}
	// Bids are cleared synchronously as the last step of matching: anything
	// submitted from here on belongs to the next round.
	room.Bids = make(map[string]decimal.Decimal)

	rfStep := model.RiskFreeStep(room.TotalRounds)
	ledger.ApplyRoundValuation(room.Positions, room.MarketPrice, rfStep)

	reports := make(map[string]TradeReport, len(result.Reports))
	for playerID, rep := range result.Reports {
		tr := TradeReport{Executed: rep.Executed}
		if rep.Executed {
			price := rep.Price
			tr.Price = &price
		}
		reports[playerID] = tr
	}
	updates := s.positionUpdates(room, rfStep)

	room.RoundIndex++
	next := model.Prompt(room.RoundIndex)
	round := room.RoundIndex
	room.Unlock()

	metrics.RoundsAdvanced.WithLabelValues(string(direction)).Inc()
	logArgs := []any{
		"room", room.ID,
		"direction", direction,
		"bids", len(reports),
		"matched", result.Matched,
	}
	if result.Matched {
		logArgs = append(logArgs, "clearing", result.ClearingPrice.String())
	}
	slog.Info("round advanced", logArgs...)

	s.hub.BroadcastRoom(room.ID, EvTradeResults, reports)
	s.hub.BroadcastRoom(room.ID, EvPositionsUpdated, updates)
	s.announcePrompt(room.ID, next, round)
}

func (s *Service) handleSubmitBid(data json.RawMessage) {
	var req submitBidRequest
	if err := json.Unmarshal(data, &req); err != nil || req.PlayerID == "" {
		return
	}
	// Server-side bound check: the client is not trusted as the sole guard.
	if !req.Price.IsPositive() {
		return
	}

	room, ok := s.reg.RoomByPlayer(req.PlayerID)
	if !ok {
		return
	}

	room.Lock()
	if room.Status != model.StatusActive {
		room.Unlock()
		return
	}
	// Last write wins within a round.
	room.Bids[req.PlayerID] = req.Price
	room.Unlock()

	metrics.BidsSubmitted.Inc()
}

func (s *Service) handleFinalizeGame(data json.RawMessage) {
	var req finalizeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AdminID == "" {
		return
	}

	room, ok := s.reg.RoomByAdmin(req.AdminID)
	if !ok {
		return
	}

	room.Lock()
	if room.Status != model.StatusActive {
		room.Unlock()
		return
	}

	settlements := ledger.Finalize(room.Positions, req.FinalUnderlyingPrice, room.StrikePrice)
	room.Status = model.StatusOver

	rfStep := model.RiskFreeStep(room.TotalRounds)
	results := make(map[string]FinalResult, len(settlements))
	for playerID, settled := range settlements {
		pos := room.Positions[playerID]
		results[playerID] = FinalResult{
			Username:             room.Roster[playerID],
			FinalCash:            settled.FinalCash,
			Sharpe:               risk.Sharpe(pos.ValuationHistory, rfStep),
			OptionCount:          pos.OptionCount,
			IntrinsicValue:       settled.IntrinsicValue,
			ValuationHistory:     copyHistory(pos.ValuationHistory),
			FinalUnderlyingPrice: req.FinalUnderlyingPrice,
		}
	}
	room.Unlock()

	s.cancelReannounce(room.ID)
	metrics.GamesFinalized.Inc()
	slog.Info("game finalized",
		"room", room.ID,
		"final_underlying", req.FinalUnderlyingPrice.String(),
	)

	s.hub.BroadcastRoom(room.ID, EvFinalResults, results)
}

// --- Teardown ---

// expireAdmin is the heartbeat monitor's callback: the only automatic
// room-teardown path.
func (s *Service) expireAdmin(adminID string) {
	room, ok := s.reg.RoomByAdmin(adminID)
	if !ok {
		return
	}
	metrics.HeartbeatTimeouts.Inc()
	s.closeRoom(room.ID, "heartbeat_timeout")
}

func (s *Service) closeRoom(roomID, reason string) {
	room, evicted := s.reg.Close(roomID)
	if room == nil {
		return
	}

	s.monitor.Untrack(room.AdminID)
	s.cancelReannounce(roomID)

	s.hub.BroadcastRoom(roomID, EvRoomClosed, RoomPayload{RoomID: roomID})
	s.hub.DropRoom(roomID)
	s.hub.RemoveAdmin(room.AdminID)

	metrics.RoomsClosed.WithLabelValues(reason).Inc()
	metrics.ActiveRooms.Dec()
	slog.Info("room closed", "room", roomID, "reason", reason, "evicted", len(evicted))
}

// --- Helpers ---

func (s *Service) announcePrompt(roomID string, prompt model.PromptType, round int) {
	s.hub.BroadcastRoom(roomID, EvNewTradePrompt, PromptPayload{
		PromptType: string(prompt),
		Round:      round,
	})
}

// scheduleReannounce arms the one-shot re-broadcast of the opening prompt,
// replacing any pending handle for the room.
func (s *Service) scheduleReannounce(roomID string, prompt model.PromptType, round int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reannounce[roomID]; ok {
		prev.Stop()
	}
	s.reannounce[roomID] = time.AfterFunc(s.cfg.ReannounceWait, func() {
		s.mu.Lock()
		delete(s.reannounce, roomID)
		s.mu.Unlock()
		s.announcePrompt(roomID, prompt, round)
	})
}

func (s *Service) cancelReannounce(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.reannounce[roomID]; ok {
		t.Stop()
		delete(s.reannounce, roomID)
	}
}

// positionUpdates snapshots every position for broadcast. Caller must hold
// the room lock; histories are copied so marshaling after unlock cannot race
// a later round.
func (s *Service) positionUpdates(room *model.Room, rfStep decimal.Decimal) map[string]PositionUpdate {
	updates := make(map[string]PositionUpdate, len(room.Positions))
	for playerID, pos := range room.Positions {
		updates[playerID] = PositionUpdate{
			Cash:             pos.Cash,
			OptionCount:      pos.OptionCount,
			ValuationHistory: copyHistory(pos.ValuationHistory),
			MarketPrice:      room.MarketPrice,
			Sharpe:           risk.Sharpe(pos.ValuationHistory, rfStep),
		}
	}
	return updates
}

func copyHistory(history []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(history))
	copy(out, history)
	return out
}
