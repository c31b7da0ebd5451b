package memory

import (
	"errors"
	"slices"
	"sync"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/google/uuid"
)

var (
	ErrRoomIsFull         = errors.New("room is full")
	ErrConnectionNotFound = errors.New("connection is not found")
)

type connection struct {
	name  string
	rooms map[model.RoomID]struct{}
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// MemStore holds the connection registry and the room membership table
// behind a single mutex, so a connection's room set and the reverse
// room -> members mapping are always mutated together.
//
// A room entry exists only while it has at least one member, it is removed
// together with its last member.
type MemStore struct {
	mx    *sync.Mutex
	conns map[model.ConnID]*connection
	rooms map[model.RoomID]map[model.ConnID]struct{}

	maxMembers int
}

// NewMemStore creates a store. maxMembers limits room size, zero means unlimited.
func NewMemStore(maxMembers int) *MemStore {
	return &MemStore{
		mx:         &sync.Mutex{},
		conns:      make(map[model.ConnID]*connection),
		rooms:      make(map[model.RoomID]map[model.ConnID]struct{}),
		maxMembers: maxMembers,
	}
}

func (ms *MemStore) CreateConnection() model.ConnID {
	id := model.ConnID(uuid.NewString())

	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.conns[id] = &connection{
		name:  model.DefaultUsername,
		rooms: make(map[model.RoomID]struct{}),
	}
	return id
}

// DeleteConnection removes connection and all of its memberships.
// It returns the last known name and the rooms the connection was in.
func (ms *MemStore) DeleteConnection(id model.ConnID) (string, []model.RoomID, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return "", nil, false
	}
	rooms := make([]model.RoomID, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		ms.removeMember(roomID, id)
		rooms = append(rooms, roomID)
	}
	delete(ms.conns, id)
	slices.Sort(rooms)
	return conn.name, rooms, true
}

func (ms *MemStore) SetName(id model.ConnID, name string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return "", false
	}
	old := conn.name
	conn.name = name
	return old, true
}

func (ms *MemStore) GetName(id model.ConnID) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return "", false
	}
	return conn.name, true
}

// Join adds connection to the room. It reports false if connection
// is already a member.
func (ms *MemStore) Join(id model.ConnID, roomID model.RoomID) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return false, ErrConnectionNotFound
	}
	if _, ok = conn.rooms[roomID]; ok {
		return false, nil
	}

	members, ok := ms.rooms[roomID]
	if !ok {
		members = make(map[model.ConnID]struct{})
		ms.rooms[roomID] = members
	}
	if ms.maxMembers > 0 && len(members) >= ms.maxMembers {
		return false, ErrRoomIsFull
	}
	members[id] = struct{}{}
	conn.rooms[roomID] = struct{}{}
	return true, nil
}

// Leave removes connection from the room. It reports false if connection
// was not a member.
func (ms *MemStore) Leave(id model.ConnID, roomID model.RoomID) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return false
	}
	if _, ok = conn.rooms[roomID]; !ok {
		return false
	}
	delete(conn.rooms, roomID)
	ms.removeMember(roomID, id)
	return true
}

func (ms *MemStore) removeMember(roomID model.RoomID, id model.ConnID) {
	members, ok := ms.rooms[roomID]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(ms.rooms, roomID)
	}
}

func (ms *MemStore) IsMember(id model.ConnID, roomID model.RoomID) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, ok := ms.rooms[roomID][id]
	return ok
}

func (ms *MemStore) MembersOf(roomID model.RoomID) []model.ConnID {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members := ms.rooms[roomID]
	ids := make([]model.ConnID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (ms *MemStore) RoomsOf(id model.ConnID) []model.RoomID {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.conns[id]
	if !ok {
		return []model.RoomID{}
	}
	rooms := make([]model.RoomID, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}

func (ms *MemStore) Stats() Stats {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return Stats{
		Connections: len(ms.conns),
		Rooms:       len(ms.rooms),
	}
}
