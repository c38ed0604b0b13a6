package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// RoomKey addresses a broadcast scope: a project, study, or task.
type RoomKey struct {
	Type string
	ID   string
}

// Registry is the authoritative connection/room membership table for this
// process. It keeps every active connection, the set of connections per
// user, and per-room membership. All mutations are serialized behind one
// mutex; broadcast fan-out takes the read lock only.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Connection             // sessionID -> connection
	userSessions map[string]map[string]struct{}     // userID -> set of sessionIDs
	rooms        map[RoomKey]map[string]*Connection // room -> sessionID -> connection
	sessionRooms map[string]map[RoomKey]struct{}    // sessionID -> set of rooms
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Connection),
		userSessions: make(map[string]map[string]struct{}),
		rooms:        make(map[RoomKey]map[string]*Connection),
		sessionRooms: make(map[string]map[RoomKey]struct{}),
	}
}

// Attach registers a connection. Multiple connections per user are allowed
// (one per tab). The caller starts the write loop.
func (r *Registry) Attach(conn *Connection) {
	r.mu.Lock()
	r.sessions[conn.ID] = conn
	userSet := r.userSessions[conn.UserID]
	if userSet == nil {
		userSet = make(map[string]struct{})
		r.userSessions[conn.UserID] = userSet
	}
	userSet[conn.ID] = struct{}{}
	r.sessionRooms[conn.ID] = make(map[RoomKey]struct{})
	r.mu.Unlock()
}

// Detach removes a connection and clears all of its room memberships.
func (r *Registry) Detach(conn *Connection) {
	r.mu.Lock()
	r.detachLocked(conn.ID)
	r.mu.Unlock()
}

// Join adds the connection to the room and returns the room's member count
// (distinct users). Access control happens before this call; the registry
// only tracks membership.
func (r *Registry) Join(room RoomKey, conn *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return 0
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[conn.ID] = conn

	memberships := r.sessionRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[RoomKey]struct{})
		r.sessionRooms[conn.ID] = memberships
	}
	memberships[room] = struct{}{}

	return countUsersLocked(members)
}

// Leave removes the connection from the room. Leaving a room never joined
// is a no-op.
func (r *Registry) Leave(room RoomKey, conn *Connection) {
	r.mu.Lock()
	r.leaveLocked(room, conn.ID)
	r.mu.Unlock()
}

// IsMember reports whether the connection currently belongs to the room.
func (r *Registry) IsMember(room RoomKey, conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][conn.ID]
	return ok
}

// MemberCount returns the number of distinct users in the room.
func (r *Registry) MemberCount(room RoomKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countUsersLocked(r.rooms[room])
}

// Broadcast writes payload to all members of the room. excludeUserID, when
// non-empty, skips that user's connections. Returns the number of
// connections delivered to.
func (r *Registry) Broadcast(room RoomKey, payload []byte, excludeUserID string) int {
	r.mu.RLock()
	members := r.rooms[room]
	if len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}

	delivered := 0
	for _, conn := range members {
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	r.mu.RUnlock()
	return delivered
}

// NotifyUser delivers payload to every connection of the given user,
// regardless of room membership. Returns the number of connections
// delivered to.
func (r *Registry) NotifyUser(userID string, payload []byte) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.userSessions[userID]))
	for sessionID := range r.userSessions[userID] {
		if conn := r.sessions[sessionID]; conn != nil {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll writes payload to every tracked connection.
func (r *Registry) BroadcastAll(payload []byte) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// CloseUser terminates every connection of the given user. Returns the
// number of connections closed. The read loops observe the close and
// detach themselves.
func (r *Registry) CloseUser(userID string, code int, reason string) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.userSessions[userID]))
	for sessionID := range r.userSessions[userID] {
		if conn := r.sessions[sessionID]; conn != nil {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
	return len(conns)
}

// Close terminates all tracked connections and clears registry state.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		sessions = append(sessions, conn)
	}
	r.sessions = make(map[string]*Connection)
	r.userSessions = make(map[string]map[string]struct{})
	r.rooms = make(map[RoomKey]map[string]*Connection)
	r.sessionRooms = make(map[string]map[RoomKey]struct{})
	r.mu.Unlock()

	for _, conn := range sessions {
		conn.Close(websocket.CloseGoingAway, "registry shutdown")
	}
}

func (r *Registry) detachLocked(sessionID string) {
	conn, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)

	if userSet, ok := r.userSessions[conn.UserID]; ok {
		delete(userSet, sessionID)
		if len(userSet) == 0 {
			delete(r.userSessions, conn.UserID)
		}
	}

	for room := range r.sessionRooms[sessionID] {
		r.leaveLocked(room, sessionID)
	}
	delete(r.sessionRooms, sessionID)
}

func (r *Registry) leaveLocked(room RoomKey, sessionID string) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, room)
	}
}

func countUsersLocked(members map[string]*Connection) int {
	if len(members) == 0 {
		return 0
	}
	users := make(map[string]struct{}, len(members))
	for _, conn := range members {
		users[conn.UserID] = struct{}{}
	}
	return len(users)
}
