package main

import (
	"encoding/json"
	"testing"
	"time"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Kind:             KindTask,
		Action:           ActionUpdated,
		Payload:          json.RawMessage(`{"taskId":"42"}`),
		OriginInstanceID: "inst-1",
		Timestamp:        time.Now().UnixMilli(),
		TargetRooms:      []string{"task:42"},
	}
}

func TestEnvelope_ValidateOK(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("Expected valid envelope, got %v", err)
	}
}

func TestEnvelope_ValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"unknown kind", func(e *Envelope) { e.Kind = "gossip" }},
		{"action wrong for kind", func(e *Envelope) { e.Kind = KindSystem; e.Action = ActionCreated }},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = 0 }},
		{"bad target room", func(e *Envelope) { e.TargetRooms = []string{"kitchen"} }},
		{"empty room id", func(e *Envelope) { e.TargetRooms = []string{"task:"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(env)
			if err := env.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

func TestEnvelope_EventName(t *testing.T) {
	cases := []struct {
		kind, action, want string
	}{
		{KindTask, ActionUpdated, "task:update"},
		{KindTask, ActionAssigned, "task:assigned"},
		{KindComment, ActionCreated, "comment:added"},
		{KindComment, ActionResolved, "comment:resolved"},
		{KindComment, ActionReaction, "comment:reaction"},
		{KindNotification, ActionCreated, "notification"},
		{KindPresence, ActionSnapshot, "presence:update"},
		{KindPresence, ActionTyping, "user:typing"},
		{KindPresence, ActionStoppedTyping, "user:stopped-typing"},
		{KindPresence, ActionCursor, "cursor:update"},
		{KindSystem, ActionShutdown, "system:shutdown"},
	}
	for _, tc := range cases {
		env := &Envelope{Kind: tc.kind, Action: tc.action, Timestamp: 1}
		if err := env.Validate(); err != nil {
			t.Errorf("%s/%s unexpectedly invalid: %v", tc.kind, tc.action, err)
			continue
		}
		if got := env.EventName(); got != tc.want {
			t.Errorf("EventName(%s/%s) = %q, want %q", tc.kind, tc.action, got, tc.want)
		}
	}
}

func TestEnvelope_BestEffort(t *testing.T) {
	typing := &Envelope{Kind: KindPresence, Action: ActionTyping}
	if !typing.BestEffort() {
		t.Error("Expected typing to be best-effort")
	}
	shutdown := &Envelope{Kind: KindSystem, Action: ActionShutdown}
	if shutdown.BestEffort() {
		t.Error("Expected shutdown notice to be must-deliver")
	}
	task := &Envelope{Kind: KindTask, Action: ActionUpdated}
	if task.BestEffort() {
		t.Error("Expected task update to be must-deliver")
	}
}

func TestRoomNaming(t *testing.T) {
	valid := []string{"user:u1", "task:42", "project:p9", "team:alpha"}
	for _, room := range valid {
		if !ValidRoom(room) {
			t.Errorf("Expected %q to be a valid room", room)
		}
	}
	invalid := []string{"", "user:", "tasks:42", "42", "admin:x"}
	for _, room := range invalid {
		if ValidRoom(room) {
			t.Errorf("Expected %q to be rejected", room)
		}
	}

	if UserRoom("u1") != "user:u1" {
		t.Errorf("UserRoom(u1) = %q", UserRoom("u1"))
	}

	kind, id := SplitRoom("project:p9")
	if kind != "project" || id != "p9" {
		t.Errorf("SplitRoom(project:p9) = %q, %q", kind, id)
	}
}
