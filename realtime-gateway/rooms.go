package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// roomRegistry tracks local room membership with both forward and reverse
// indexes. Forward: room → set of connections (for delivery). Reverse:
// connection → set of rooms (for O(1) teardown on disconnect).
type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]bool
	conns map[*Connection]map[string]bool
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[*Connection]bool),
		conns: make(map[*Connection]map[string]bool),
	}
}

// add is idempotent: joining a room twice is the same as joining once.
func (r *roomRegistry) add(room string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Connection]bool)
	}
	r.rooms[room][c] = true
	if r.conns[c] == nil {
		r.conns[c] = make(map[string]bool)
	}
	r.conns[c][room] = true
}

// remove is a no-op if the connection is not a member.
func (r *roomRegistry) remove(room string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.conns[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.conns, c)
		}
	}
}

// removeAll removes a connection from every room it joined, returning the
// affected rooms.
func (r *roomRegistry) removeAll(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.conns[c]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for room := range rooms {
		affected = append(affected, room)
		if members, ok := r.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.conns, c)
	return affected
}

func (r *roomRegistry) members(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	result := make([]*Connection, 0, len(members))
	for c := range members {
		result = append(result, c)
	}
	return result
}

func (r *roomRegistry) contains(room string, c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[room][c]
}

// connRooms returns the rooms a connection has joined.
func (r *roomRegistry) connRooms(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := r.conns[c]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

func (r *roomRegistry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Authorizer decides whether an identity may join a room. The personal-room
// rule is enforced before this is consulted; implementations only see
// task/project/team rooms.
type Authorizer interface {
	CanAccess(ctx context.Context, id Identity, room string) (bool, error)
}

// SQLAuthorizer checks room access against the business database.
// Fail-open on store errors: a broken database must degrade authorization,
// not take realtime delivery down with it.
type SQLAuthorizer struct {
	db *sql.DB
}

func NewSQLAuthorizer(db *sql.DB) *SQLAuthorizer {
	return &SQLAuthorizer{db: db}
}

func (a *SQLAuthorizer) CanAccess(ctx context.Context, id Identity, room string) (bool, error) {
	if id.Role == "admin" {
		return true, nil
	}

	kind, resource := SplitRoom(room)
	var count int
	var err error
	switch kind {
	case "task":
		err = a.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM project_members pm
			JOIN tasks t ON t.project_id = pm.project_id
			WHERE t.id = $1 AND pm.user_id = $2`, resource, id.UserID).Scan(&count)
	case "project":
		err = a.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM project_members WHERE project_id = $1 AND user_id = $2",
			resource, id.UserID).Scan(&count)
	case "team":
		err = a.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM team_members WHERE team_id = $1 AND user_id = $2",
			resource, id.UserID).Scan(&count)
	default:
		return false, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "Room access check failed, allowing", "room", room, "user", id.UserID, "error", err)
		return true, nil
	}
	return count > 0, nil
}

// RoomManager maps logical room names to local subscriber sets and enforces
// the join authorization policy. Membership is purely local connection state;
// no other instance ever sees it.
type RoomManager struct {
	reg   *roomRegistry
	authz Authorizer
}

func NewRoomManager(authz Authorizer) *RoomManager {
	return &RoomManager{reg: newRoomRegistry(), authz: authz}
}

// Join adds the connection to the local room set. A user: room is joinable
// only by that same user; other prefixes delegate to the authorizer.
// Idempotent.
func (rm *RoomManager) Join(ctx context.Context, c *Connection, room string) error {
	if !ValidRoom(room) {
		return fmt.Errorf("%w: invalid room name %q", ErrAccessDenied, room)
	}
	if strings.HasPrefix(room, "user:") {
		if room != UserRoom(c.identity.UserID) {
			return fmt.Errorf("%w: %s is not your personal room", ErrAccessDenied, room)
		}
	} else if rm.authz != nil {
		ok, err := rm.authz.CanAccess(ctx, c.identity, room)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccessDenied, room)
		}
	}
	rm.reg.add(room, c)
	return nil
}

// Leave removes the connection from the local set. No error if not a member.
func (rm *RoomManager) Leave(c *Connection, room string) {
	rm.reg.remove(room, c)
}

// Forget removes a connection from every room, returning the affected rooms.
func (rm *RoomManager) Forget(c *Connection) []string {
	return rm.reg.removeAll(c)
}

// Rooms returns the rooms a connection has joined.
func (rm *RoomManager) Rooms(c *Connection) []string {
	return rm.reg.connRooms(c)
}

// DeliverLocal resolves the envelope's targets against local membership and
// enqueues the encoded frame on each matching connection exactly once, even
// when target rooms overlap. Envelopes with no targets go to every local
// connection (presence snapshots, shutdown notices). This is the only place
// payloads reach a transport socket.
func (rm *RoomManager) DeliverLocal(env *Envelope, all []*Connection) (delivered, dropped int) {
	frame, err := encodeServerFrame(env.EventName(), env.Payload)
	if err != nil {
		slog.Warn("Failed to encode frame for delivery", "event", env.EventName(), "error", err)
		return 0, 0
	}

	targets := make(map[*Connection]bool)
	if len(env.TargetRooms) == 0 && len(env.TargetUserIDs) == 0 {
		for _, c := range all {
			targets[c] = true
		}
	} else {
		for _, room := range env.TargetRooms {
			for _, c := range rm.reg.members(room) {
				targets[c] = true
			}
		}
		for _, userID := range env.TargetUserIDs {
			for _, c := range rm.reg.members(UserRoom(userID)) {
				targets[c] = true
			}
		}
	}

	bestEffort := env.BestEffort()
	for c := range targets {
		if c.enqueue(frame, bestEffort) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
