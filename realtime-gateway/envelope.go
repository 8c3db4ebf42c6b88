package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope kinds. Closed set — anything else is rejected at the gateway
// boundary before publication.
const (
	KindTask         = "task"
	KindComment      = "comment"
	KindMember       = "member"
	KindNotification = "notification"
	KindPresence     = "presence"
	KindSystem       = "system"
)

// Envelope actions.
const (
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionDeleted       = "deleted"
	ActionResolved      = "resolved"
	ActionReaction      = "reaction"
	ActionReply         = "reply"
	ActionAssigned      = "assigned"
	ActionTyping        = "typing"
	ActionStoppedTyping = "stopped-typing"
	ActionViewing       = "viewing"
	ActionCursor        = "cursor"
	ActionSnapshot      = "snapshot"
	ActionShutdown      = "shutdown"
)

// allowedActions maps each kind to the actions it may carry, and each
// kind/action pair to the client-facing event name.
var allowedActions = map[string]map[string]string{
	KindTask: {
		ActionCreated:  "task:update",
		ActionUpdated:  "task:update",
		ActionDeleted:  "task:update",
		ActionAssigned: "task:assigned",
	},
	KindComment: {
		ActionCreated:  "comment:added",
		ActionUpdated:  "comment:updated",
		ActionDeleted:  "comment:deleted",
		ActionResolved: "comment:resolved",
		ActionReaction: "comment:reaction",
		ActionReply:    "comment:reply",
	},
	KindMember: {
		ActionCreated: "member:added",
		ActionUpdated: "member:updated",
		ActionDeleted: "member:removed",
	},
	KindNotification: {
		ActionCreated: "notification",
	},
	KindPresence: {
		ActionSnapshot:      "presence:update",
		ActionTyping:        "user:typing",
		ActionStoppedTyping: "user:stopped-typing",
		ActionViewing:       "user:viewing",
		ActionCursor:        "cursor:update",
	},
	KindSystem: {
		ActionShutdown: "system:shutdown",
	},
}

// Envelope is the self-contained unit that travels over the bus. It is never
// persisted; delivery is at-least-once to current subscribers only.
type Envelope struct {
	Kind             string          `json:"kind"`
	Action           string          `json:"action"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OriginUserID     string          `json:"originUserId,omitempty"`
	OriginInstanceID string          `json:"originInstanceId"`
	Timestamp        int64           `json:"timestamp"`
	TargetRooms      []string        `json:"targetRooms,omitempty"`
	TargetUserIDs    []string        `json:"targetUserIds,omitempty"`
}

// Validate checks the kind/action discriminants and target room names so
// downstream delivery never has to guess a payload's shape.
func (e *Envelope) Validate() error {
	actions, ok := allowedActions[e.Kind]
	if !ok {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if _, ok := actions[e.Action]; !ok {
		return fmt.Errorf("action %q not valid for kind %q", e.Action, e.Kind)
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("envelope has no timestamp")
	}
	for _, room := range e.TargetRooms {
		if !ValidRoom(room) {
			return fmt.Errorf("invalid target room %q", room)
		}
	}
	return nil
}

// EventName returns the client-facing event name for this envelope.
// Validate must have passed.
func (e *Envelope) EventName() string {
	return allowedActions[e.Kind][e.Action]
}

// BestEffort reports whether the envelope may be dropped under load.
// Typing, cursor and presence snapshots are re-derivable from current state;
// task/comment/member/notification events and the shutdown notice are not.
func (e *Envelope) BestEffort() bool {
	if e.Kind == KindPresence {
		return true
	}
	return e.Kind == KindSystem && e.Action != ActionShutdown
}

// Room name prefixes. Fixed convention, interpreted identically by every
// instance: user:{id}, task:{id}, project:{id}, team:{id}.
var roomPrefixes = []string{"user:", "task:", "project:", "team:"}

// UserRoom returns the implicit personal room for a user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ValidRoom reports whether name follows the room naming convention.
func ValidRoom(name string) bool {
	for _, p := range roomPrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return true
		}
	}
	return false
}

// SplitRoom splits a room name into its prefix (without colon) and resource id.
func SplitRoom(name string) (kind, id string) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}
