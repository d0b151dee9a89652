package registry

import "github.com/optionpit/game-engine/internal/model"

// PageState tells a (re)connecting client which screen it should be on.
type PageState string

const (
	PageNoRoom       PageState = "noRoom"
	PageAdminLobby   PageState = "adminLobby"
	PageAdminActive  PageState = "adminActive"
	PagePlayerLobby  PageState = "playerLobby"
	PagePlayerActive PageState = "playerActive"
)

// ClientState is the reconciled view pushed to a client on connect.
// MayBeStale is set whenever the resumed room is already running: the client
// must reconcile against server-pushed state instead of trusting whatever
// local UI state it remembers.
type ClientState struct {
	Page       PageState
	RoomID     string
	MayBeStale bool
}

// Reconcile infers the screen a connecting player id should land on. Admins
// are checked before players; an unknown id lands on the entry screen.
func (r *Registry) Reconcile(playerID string) ClientState {
	if room, ok := r.RoomByAdmin(playerID); ok {
		return reconcileRoom(room, PageAdminLobby, PageAdminActive)
	}
	if room, ok := r.RoomByPlayer(playerID); ok {
		return reconcileRoom(room, PagePlayerLobby, PagePlayerActive)
	}
	return ClientState{Page: PageNoRoom}
}

func reconcileRoom(room *model.Room, lobby, active PageState) ClientState {
	room.Lock()
	status := room.Status
	room.Unlock()

	state := ClientState{RoomID: room.ID}
	switch status {
	case model.StatusLobby:
		state.Page = lobby
	default:
		// Active and finished rooms both render the in-game screen; the
		// client catches up from the next positionsUpdated push.
		state.Page = active
		state.MayBeStale = true
	}
	return state
}
