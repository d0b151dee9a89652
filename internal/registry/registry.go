// Package registry owns the map of live rooms and the global indexes from
// admin and player ids to their current room. The registry map itself is the
// only state shared across rooms; each Room carries its own mutex for
// everything inside it.
package registry

import (
	"errors"
	"sync"

	"github.com/optionpit/game-engine/internal/model"
)

var (
	// ErrRoomNameTaken is returned when opening a room whose id is already
	// registered.
	ErrRoomNameTaken = errors.New("registry: room name taken")

	// ErrAdminBusy is returned when an admin who already runs a room tries
	// to open another; callers drop the request silently.
	ErrAdminBusy = errors.New("registry: admin already runs a room")

	// ErrNoSuchRoom is returned when joining or probing an unknown room.
	ErrNoSuchRoom = errors.New("registry: no such room")

	// ErrUsernameTaken is returned when a username already exists in the
	// target room's roster (case-sensitive exact match).
	ErrUsernameTaken = errors.New("registry: username taken")

	// ErrGameAlreadyStarted is returned when joining a room that has left
	// the lobby.
	ErrGameAlreadyStarted = errors.New("registry: game already started")
)

// Registry tracks rooms and the one-room-per-admin / one-room-per-player
// invariants. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*model.Room
	adminRoom  map[string]string // adminID → roomID
	playerRoom map[string]string // playerID → roomID

	totalRounds int
}

// New creates an empty registry. Rooms it opens are configured for
// totalRounds rounds.
func New(totalRounds int) *Registry {
	return &Registry{
		rooms:       make(map[string]*model.Room),
		adminRoom:   make(map[string]string),
		playerRoom:  make(map[string]string),
		totalRounds: totalRounds,
	}
}

// Open registers a new room in the lobby state. The room id is admin-chosen
// and must be unique among live rooms; an admin may run at most one room.
func (r *Registry) Open(roomID, adminID string) (*model.Room, error) {
	if roomID == "" || adminID == "" {
		return nil, ErrNoSuchRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; exists {
		return nil, ErrRoomNameTaken
	}
	if _, busy := r.adminRoom[adminID]; busy {
		return nil, ErrAdminBusy
	}

	room := model.NewRoom(roomID, adminID, r.totalRounds)
	r.rooms[roomID] = room
	r.adminRoom[adminID] = roomID
	return room, nil
}

// Probe reports whether roomID is registered, leaking no room state.
func (r *Registry) Probe(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID]
	return ok
}

// Join adds a player to a room's roster and seeds a starting position if
// none exists. Rejoining with the same player id is idempotent: the roster
// entry and position survive a disconnect and are reused as-is.
func (r *Registry) Join(roomID, username, playerID string) (*model.Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoSuchRoom
	}

	room.Lock()
	if _, known := room.Roster[playerID]; !known {
		if room.Status != model.StatusLobby {
			room.Unlock()
			return nil, ErrGameAlreadyStarted
		}
		for _, name := range room.Roster {
			if name == username {
				room.Unlock()
				return nil, ErrUsernameTaken
			}
		}
		room.Roster[playerID] = username
		if _, seeded := room.Positions[playerID]; !seeded {
			room.Positions[playerID] = model.NewPosition()
		}
	}
	room.Unlock()

	// The room lock was taken with the registry lock released, so the room
	// may have been closed in between. Record the player mapping only while
	// this exact room is still registered; otherwise the join raced a close
	// and must fail rather than leak a mapping into a reopened id.
	r.mu.Lock()
	live := r.rooms[roomID] == room
	if live {
		r.playerRoom[playerID] = roomID
	}
	r.mu.Unlock()
	if !live {
		return nil, ErrNoSuchRoom
	}
	return room, nil
}

// Room returns the live room for roomID.
func (r *Registry) Room(roomID string) (*model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	return room, ok
}

// RoomByAdmin returns the room the given admin runs, if any.
func (r *Registry) RoomByAdmin(adminID string) (*model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.adminRoom[adminID]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[roomID]
	return room, ok
}

// RoomByPlayer returns the room the given player belongs to, if any.
func (r *Registry) RoomByPlayer(playerID string) (*model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.playerRoom[playerID]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[roomID]
	return room, ok
}

// Close removes a room and every admin/player mapping tied to it, returning
// the room and the evicted player ids so the caller can notify them. A
// closed room id becomes available for reuse.
func (r *Registry) Close(roomID string) (*model.Room, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, nil
	}

	delete(r.rooms, roomID)
	delete(r.adminRoom, room.AdminID)

	var evicted []string
	for playerID, mapped := range r.playerRoom {
		if mapped == roomID {
			evicted = append(evicted, playerID)
			delete(r.playerRoom, playerID)
		}
	}
	return room, evicted
}

// RoomIDs returns the ids of all live rooms (used at shutdown).
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
