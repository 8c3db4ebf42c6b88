package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// deadConn returns a client that never reaches a server. RetryOnFailedConnect
// hands back a connection in reconnecting state instead of an error, which is
// exactly the state a gateway sits in during a bus outage.
func deadConn(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect("nats://127.0.0.1:59999",
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Hour),
	)
	if err != nil {
		t.Fatalf("Failed to create disconnected client: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestPublishGlobal_DisconnectedFailsFast(t *testing.T) {
	nc := deadConn(t)
	b := NewBus(nc, NewCircuitBreaker(5, 10))

	err := b.PublishGlobal(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("Expected ErrBusUnavailable on a disconnected bus, got %v", err)
	}
	if b.Healthy() {
		t.Error("Expected Healthy() to be false while disconnected")
	}
}

func TestPublish_DisconnectedBusDeliversLocally(t *testing.T) {
	nc := deadConn(t)
	bus := NewBus(nc, NewCircuitBreaker(5, 10))
	rooms := NewRoomManager(allowAllAuthorizer{})

	cfg := loadConfig()
	gw := NewGateway(cfg, "inst-1", nil, rooms, nil, bus, otel.Meter("test"))

	c := testConn("c1", "u1")
	gw.conns[c.id] = c
	rooms.Join(context.Background(), c, "task:42")

	payload, _ := json.Marshal(map[string]string{"taskId": "42"})
	err := gw.Publish(context.Background(), &Envelope{
		Kind:        KindTask,
		Action:      ActionUpdated,
		Payload:     payload,
		TargetRooms: []string{"task:42"},
	})
	if err != nil {
		t.Fatalf("Publish must not error during a bus outage, got %v", err)
	}

	frames := drain(c)
	if len(frames) != 1 || frames[0].Event != "task:update" {
		t.Fatalf("Expected local fallback delivery of task:update, got %+v", frames)
	}
}
