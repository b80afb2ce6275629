package core

import (
	"sort"
	"sync"
)

// Registry maps room ids to their member connections.
// Rooms exist only while they have members.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[*Conn]struct{})}
}

// Join adds c to room, creating the room if needed. Returns the member count after the join.
func (r *Registry) Join(room string, c *Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	return len(members)
}

// Leave removes c from room and deletes the room once empty.
// It reports whether c was a member and how many members remain.
// Leaving a room the connection is not in is a no-op.
func (r *Registry) Leave(room string, c *Conn) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return false, 0
	}
	if _, present := members[c]; !present {
		return false, len(members)
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true, 0
	}
	return true, len(members)
}

// Members returns a snapshot of every member of room.
func (r *Registry) Members(room string) []*Conn {
	return r.MembersExcept(room, nil)
}

// MembersExcept returns a snapshot of room's members without exclude.
// The slice is a copy and is safe to use after the call.
func (r *Registry) MembersExcept(room string, exclude *Conn) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		if c == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Count returns the number of members in room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Has reports whether room is currently registered.
func (r *Registry) Has(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

// Rooms lists live rooms sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, members := range r.rooms {
		out = append(out, RoomInfo{ID: id, Members: len(members)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the number of rooms and connections.
func (r *Registry) Stats() (rooms, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, members := range r.rooms {
		conns += len(members)
	}
	return len(r.rooms), conns
}
