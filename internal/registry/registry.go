// Package registry tracks live client connections by user and by room.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

const shardCount = 32

var (
	// ErrDuplicateConnection indicates that a connection id is already registered.
	ErrDuplicateConnection = errors.New("registry: duplicate connection")
	// ErrUnknownConnection indicates that a connection id is not registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")
	errInvalidConnection = errors.New("registry: connection requires id and user id")
)

// Connection is one live client transport.
type Connection interface {
	ID() string
	UserID() string
	Role() string
	OpenedAt() time.Time
	// Send delivers one frame or fails once ctx is done or the connection is closed.
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Registry indexes connections by user and by joined room. Connection
// churn locks only the shard of the user involved; a connection id resolves
// to its user through a lock-free map. Locks are taken in the order user
// shard, room shard.
type Registry struct {
	owners sync.Map // connection id → user id

	shards [shardCount]userShard
	rooms  [shardCount]roomShard
}

type entry struct {
	conn  Connection
	rooms map[streams.GroupRef]struct{}
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*entry
}

type roomShard struct {
	mu      sync.RWMutex
	members map[streams.GroupRef]map[string]Connection
}

// New constructs an empty Registry.
func New() *Registry {
	registry := &Registry{}
	for index := range registry.shards {
		registry.shards[index].users = make(map[string]map[string]*entry)
		registry.rooms[index].members = make(map[streams.GroupRef]map[string]Connection)
	}
	return registry
}

// Register adds a connection under its user id.
func (r *Registry) Register(conn Connection) error {
	if conn == nil || conn.ID() == "" || conn.UserID() == "" {
		return errInvalidConnection
	}
	connID, userID := conn.ID(), conn.UserID()
	if _, loaded := r.owners.LoadOrStore(connID, userID); loaded {
		return ErrDuplicateConnection
	}

	shard := r.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	connections, ok := shard.users[userID]
	if !ok {
		connections = make(map[string]*entry)
		shard.users[userID] = connections
	}
	connections[connID] = &entry{conn: conn, rooms: make(map[streams.GroupRef]struct{})}
	return nil
}

// Unregister removes the connection from every index and reports how many
// connections its user still holds. Unregistering an unknown id is a no-op.
func (r *Registry) Unregister(connID string) (Connection, int, bool) {
	userID, ok := r.ownerOf(connID)
	if !ok {
		return nil, 0, false
	}
	shard := r.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	connections := shard.users[userID]
	registered, ok := connections[connID]
	if !ok {
		return nil, 0, false
	}
	delete(connections, connID)
	remaining := len(connections)
	if remaining == 0 {
		delete(shard.users, userID)
	}
	r.owners.Delete(connID)

	for ref := range registered.rooms {
		r.removeMember(ref, connID)
	}
	return registered.conn, remaining, true
}

// Lookup returns the connection registered under connID.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	userID, ok := r.ownerOf(connID)
	if !ok {
		return nil, false
	}
	shard := r.shard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	registered, ok := shard.users[userID][connID]
	if !ok {
		return nil, false
	}
	return registered.conn, true
}

// ConnectionsOf returns a snapshot of the user's connections.
func (r *Registry) ConnectionsOf(userID string) []Connection {
	shard := r.shard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	connections := shard.users[userID]
	snapshot := make([]Connection, 0, len(connections))
	for _, registered := range connections {
		snapshot = append(snapshot, registered.conn)
	}
	return snapshot
}

// Count returns how many connections the user holds.
func (r *Registry) Count(userID string) int {
	shard := r.shard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.users[userID])
}

// AllConnections returns a snapshot of every registered connection, built
// one shard at a time.
func (r *Registry) AllConnections() []Connection {
	var snapshot []Connection
	for index := range r.shards {
		shard := &r.shards[index]
		shard.mu.RLock()
		for _, connections := range shard.users {
			for _, registered := range connections {
				snapshot = append(snapshot, registered.conn)
			}
		}
		shard.mu.RUnlock()
	}
	return snapshot
}

// Join subscribes the connection to a room.
func (r *Registry) Join(connID string, ref streams.GroupRef) error {
	userID, ok := r.ownerOf(connID)
	if !ok {
		return ErrUnknownConnection
	}
	shard := r.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	registered, ok := shard.users[userID][connID]
	if !ok {
		return ErrUnknownConnection
	}
	registered.rooms[ref] = struct{}{}

	room := r.room(ref)
	room.mu.Lock()
	members, ok := room.members[ref]
	if !ok {
		members = make(map[string]Connection)
		room.members[ref] = members
	}
	members[connID] = registered.conn
	room.mu.Unlock()
	return nil
}

// Leave unsubscribes the connection from a room.
func (r *Registry) Leave(connID string, ref streams.GroupRef) error {
	userID, ok := r.ownerOf(connID)
	if !ok {
		return ErrUnknownConnection
	}
	shard := r.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	registered, ok := shard.users[userID][connID]
	if !ok {
		return ErrUnknownConnection
	}
	delete(registered.rooms, ref)
	r.removeMember(ref, connID)
	return nil
}

// RoomMembers returns a snapshot of the connections that joined the room.
func (r *Registry) RoomMembers(ref streams.GroupRef) []Connection {
	room := r.room(ref)
	room.mu.RLock()
	defer room.mu.RUnlock()
	members := room.members[ref]
	snapshot := make([]Connection, 0, len(members))
	for _, conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

func (r *Registry) removeMember(ref streams.GroupRef, connID string) {
	room := r.room(ref)
	room.mu.Lock()
	defer room.mu.Unlock()
	members := room.members[ref]
	delete(members, connID)
	if len(members) == 0 {
		delete(room.members, ref)
	}
}

func (r *Registry) ownerOf(connID string) (string, bool) {
	value, ok := r.owners.Load(connID)
	if !ok {
		return "", false
	}
	return value.(string), true
}

func (r *Registry) shard(userID string) *userShard {
	return &r.shards[shardIndex(userID)]
}

func (r *Registry) room(ref streams.GroupRef) *roomShard {
	return &r.rooms[shardIndex(ref.String())]
}

func shardIndex(key string) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum32() % shardCount
}
