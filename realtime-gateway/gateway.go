package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelhelper "github.com/example/taskboard-realtime/pkg/otelhelper"
)

// Gateway is the single local point where socket events become bus
// publications and bus publications become socket deliveries. One instance
// per process, constructed explicitly with its dependencies.
type Gateway struct {
	cfg        Config
	instanceID string

	verifier TokenVerifier
	rooms    *RoomManager
	presence *PresenceStore
	bus      *Bus
	registry *InstanceRegistry

	mu        sync.RWMutex
	conns     map[string]*Connection
	reserved  int // conns plus in-flight upgrades, bounded by MaxConnections
	accepting atomic.Bool

	upgrader websocket.Upgrader

	connectCounter    metric.Int64Counter
	disconnectCounter metric.Int64Counter
	publishCounter    metric.Int64Counter
	deliverCounter    metric.Int64Counter
	dropCounter       metric.Int64Counter
	deliverDuration   metric.Float64Histogram
}

func NewGateway(cfg Config, instanceID string, verifier TokenVerifier, rooms *RoomManager, presence *PresenceStore, bus *Bus, meter metric.Meter) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		instanceID: instanceID,
		verifier:   verifier,
		rooms:      rooms,
		presence:   presence,
		bus:        bus,
		conns:      make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.accepting.Store(true)

	g.connectCounter, _ = meter.Int64Counter("gateway_connects_total",
		metric.WithDescription("Total accepted connections"))
	g.disconnectCounter, _ = meter.Int64Counter("gateway_disconnects_total",
		metric.WithDescription("Total disconnections"))
	g.publishCounter, _ = meter.Int64Counter("gateway_envelopes_published_total",
		metric.WithDescription("Total envelopes published to the bus"))
	g.deliverCounter, _ = meter.Int64Counter("gateway_frames_delivered_total",
		metric.WithDescription("Total frames delivered to local connections"))
	g.dropCounter, _ = meter.Int64Counter("gateway_frames_dropped_total",
		metric.WithDescription("Best-effort frames dropped on full send buffers"))
	g.deliverDuration, _ = otelhelper.NewDurationHistogram(meter,
		"gateway_local_delivery_duration_seconds", "Time to fan an envelope out to local connections")

	connGauge, _ := meter.Int64ObservableGauge("gateway_local_connections",
		metric.WithDescription("Connections held by this instance"))
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, int64(g.connCount()))
		return nil
	}, connGauge)

	return g
}

// SetRegistry wires the instance registry after construction (the registry
// needs the gateway's connection count, the gateway needs nothing back).
func (g *Gateway) SetRegistry(r *InstanceRegistry) {
	g.registry = r
}

func (g *Gateway) connCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// reserveSlot claims a capacity slot before the upgrade starts, so N
// concurrent handshakes cannot race past MaxConnections.
func (g *Gateway) reserveSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved >= g.cfg.MaxConnections {
		return false
	}
	g.reserved++
	return true
}

func (g *Gateway) releaseSlot() {
	g.mu.Lock()
	g.reserved--
	g.mu.Unlock()
}

func (g *Gateway) allConns() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

// bearerToken pulls the connection-time credential from the query string or
// the Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ServeWS is the connection admission path: authenticate, check capacity,
// upgrade, register, announce.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !g.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		slog.Debug("Rejected connection: bad token", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if !g.reserveSlot() {
		slog.Warn("Rejected connection: at capacity", "max", g.cfg.MaxConnections, "user", identity.UserID)
		http.Error(w, ErrCapacityExceeded.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Upgrade failed", "error", err)
		g.releaseSlot()
		return
	}

	c := newConnection(uuid.NewString(), identity, g.instanceID, ws)
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	g.connectCounter.Add(r.Context(), 1)
	slog.Info("Connection established", "conn", c.id, "user", identity.UserID)

	// Implicit personal room — every connection is addressable by user id.
	g.rooms.Join(r.Context(), c, UserRoom(identity.UserID))

	pongWait := time.Duration(g.cfg.PongWaitMultiple) * g.cfg.PingInterval
	go c.writePump(g.cfg.PingInterval)
	go c.readPump(g, pongWait)

	go func() {
		if _, err := g.presence.Upsert(identity.UserID, PresenceFields{
			DisplayName:  identity.DisplayName,
			Email:        identity.Email,
			ConnectionID: c.id,
			InstanceID:   g.instanceID,
			Status:       "online",
			ConnectedAt:  c.connectedAt.UnixMilli(),
		}); err != nil {
			slog.Warn("Presence write failed on connect", "user", identity.UserID, "error", err)
		}
		g.broadcastPresence(context.Background())
	}()
}

// onDisconnect tears down a connection: local registry, room membership,
// best-effort presence removal, presence broadcast.
func (g *Gateway) onDisconnect(c *Connection, reason string) {
	g.mu.Lock()
	_, known := g.conns[c.id]
	delete(g.conns, c.id)
	if known {
		g.reserved--
	}
	g.mu.Unlock()
	if !known {
		return
	}

	c.shutdown()
	g.rooms.Forget(c)
	g.disconnectCounter.Add(context.Background(), 1)
	slog.Info("Connection closed", "conn", c.id, "user", c.identity.UserID, "reason", reason)

	// Best-effort: the record may already belong to a newer connection
	// elsewhere, and the sweep repairs anything missed here.
	if err := g.presence.RemoveIfConnection(c.identity.UserID, c.id); err != nil {
		slog.Warn("Presence removal failed on disconnect", "user", c.identity.UserID, "error", err)
	}
	g.broadcastPresence(context.Background())
}

// Publish is the fan-out entry point for external collaborators (task
// updated, comment added) and internal room events. The envelope goes to the
// bus; with the bus down, delivery degrades to this instance's connections
// only — never an error to the caller, never a crash.
func (g *Gateway) Publish(ctx context.Context, env *Envelope) error {
	if env.OriginInstanceID == "" {
		env.OriginInstanceID = g.instanceID
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if err := env.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	g.publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", env.Kind),
		attribute.String("action", env.Action),
	))

	if err := g.bus.PublishGlobal(ctx, data); err != nil {
		if errors.Is(err, ErrBusUnavailable) {
			slog.Warn("Bus unavailable, delivering locally only", "kind", env.Kind, "action", env.Action)
			g.deliver(ctx, env)
			return nil
		}
		return err
	}
	return nil
}

// handleBusMessage receives every envelope published by any instance
// (including this one) and filters it against local membership.
func (g *Gateway) handleBusMessage(msg *nats.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "deliver broadcast")
	defer span.End()

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Warn("Dropping malformed envelope from bus", "error", err)
		return
	}
	if err := env.Validate(); err != nil {
		slog.Warn("Dropping invalid envelope from bus", "error", err)
		return
	}

	span.SetAttributes(
		attribute.String("envelope.kind", env.Kind),
		attribute.String("envelope.action", env.Action),
	)
	g.deliver(ctx, &env)
}

func (g *Gateway) deliver(ctx context.Context, env *Envelope) {
	start := time.Now()
	delivered, dropped := g.rooms.DeliverLocal(env, g.allConns())
	if delivered > 0 {
		g.deliverCounter.Add(ctx, int64(delivered), metric.WithAttributes(
			attribute.String("event", env.EventName()),
		))
	}
	if dropped > 0 {
		g.dropCounter.Add(ctx, int64(dropped), metric.WithAttributes(
			attribute.String("event", env.EventName()),
		))
	}
	g.deliverDuration.Record(ctx, time.Since(start).Seconds())
}

// broadcastPresence publishes the full presence snapshot so every client on
// every instance converges, deltas missed or not.
func (g *Gateway) broadcastPresence(ctx context.Context) {
	records, err := g.presence.ListAll()
	if err != nil {
		slog.Warn("Presence snapshot failed", "error", err)
		return
	}
	if records == nil {
		records = []PresenceRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		slog.Warn("Failed to marshal presence snapshot", "error", err)
		return
	}
	g.Publish(ctx, &Envelope{
		Kind:    KindPresence,
		Action:  ActionSnapshot,
		Payload: payload,
	})
}

// subscribePayload covers subscribe and unsubscribe frames: a single room
// or a batch.
type subscribePayload struct {
	Room  string   `json:"room,omitempty"`
	Rooms []string `json:"rooms,omitempty"`
}

func (p subscribePayload) all() []string {
	rooms := p.Rooms
	if p.Room != "" {
		rooms = append(rooms, p.Room)
	}
	return rooms
}

type typingPayload struct {
	Room string `json:"room"`
}

type viewingPayload struct {
	View       string `json:"view"`
	ResourceID string `json:"resourceId,omitempty"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// handleFrame dispatches one inbound client event. Runs on the connection's
// reader goroutine, so per-connection handling is serial.
func (g *Gateway) handleFrame(c *Connection, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendEvent("error", map[string]string{"message": "malformed frame"})
		return
	}

	ctx := context.Background()

	switch frame.Event {
	case "subscribe":
		var p subscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendEvent("error", map[string]string{"message": "malformed subscribe"})
			return
		}
		for _, room := range p.all() {
			if err := g.rooms.Join(ctx, c, room); err != nil {
				// Join denial is client-visible but never closes the
				// connection.
				slog.Debug("Room join denied", "conn", c.id, "room", room, "error", err)
				c.sendEvent("error", map[string]string{"room": room, "message": "access denied"})
				continue
			}
			c.sendEvent("subscribed", map[string]string{"room": room})
		}

	case "unsubscribe":
		var p subscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		for _, room := range p.all() {
			g.rooms.Leave(c, room)
			c.sendEvent("unsubscribed", map[string]string{"room": room})
		}

	case "typing:start", "typing:stop":
		var p typingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Room == "" {
			return
		}
		// Only forward typing for rooms the sender actually joined.
		if !g.rooms.reg.contains(p.Room, c) {
			return
		}
		action := ActionTyping
		if frame.Event == "typing:stop" {
			action = ActionStoppedTyping
		}
		payload, _ := json.Marshal(map[string]string{
			"userId":      c.identity.UserID,
			"displayName": c.identity.DisplayName,
			"room":        p.Room,
		})
		g.Publish(ctx, &Envelope{
			Kind:         KindPresence,
			Action:       action,
			Payload:      payload,
			OriginUserID: c.identity.UserID,
			TargetRooms:  []string{p.Room},
		})

	case "viewing":
		var p viewingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		view := p.View
		if p.ResourceID != "" {
			view = p.View + ":" + p.ResourceID
		}
		if _, err := g.presence.Upsert(c.identity.UserID, PresenceFields{CurrentView: view, ClearView: view == ""}); err != nil {
			slog.Warn("Presence view update failed", "user", c.identity.UserID, "error", err)
		}
		payload, _ := json.Marshal(map[string]string{
			"userId": c.identity.UserID,
			"view":   view,
		})
		g.Publish(ctx, &Envelope{
			Kind:         KindPresence,
			Action:       ActionViewing,
			Payload:      payload,
			OriginUserID: c.identity.UserID,
			TargetRooms:  g.rooms.Rooms(c),
		})

	case "status:change":
		var p statusPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || !validStatuses[p.Status] {
			c.sendEvent("error", map[string]string{"message": "invalid status"})
			return
		}
		if _, err := g.presence.Upsert(c.identity.UserID, PresenceFields{Status: p.Status}); err != nil {
			slog.Warn("Presence status update failed", "user", c.identity.UserID, "error", err)
			return
		}
		g.broadcastPresence(ctx)

	case "heartbeat":
		if _, err := g.presence.Upsert(c.identity.UserID, PresenceFields{}); err != nil {
			slog.Debug("Presence heartbeat failed", "user", c.identity.UserID, "error", err)
		}

	default:
		c.sendEvent("error", map[string]string{"message": "unknown event " + frame.Event})
	}
}

// Shutdown runs the ordered drain: stop admissions, tell every local client
// to reconnect elsewhere, deregister, drop the bus subscription. The caller
// bounds the whole sequence with a hard timeout.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.accepting.Store(false)

	payload, _ := json.Marshal(map[string]string{"reason": "instance shutting down"})
	g.deliver(ctx, &Envelope{
		Kind:             KindSystem,
		Action:           ActionShutdown,
		Payload:          payload,
		OriginInstanceID: g.instanceID,
		Timestamp:        time.Now().UnixMilli(),
	})

	// Let writers flush the shutdown notice before the sockets drop.
	time.Sleep(100 * time.Millisecond)

	for _, c := range g.allConns() {
		c.shutdown()
	}

	if g.registry != nil {
		if err := g.registry.Deregister(); err != nil {
			slog.Warn("Instance deregistration failed", "error", err)
		}
	}
	g.bus.Close()
}

// healthHandler reports readiness plus degraded-status flags for the bus.
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	busHealthy := g.bus.Healthy()
	storeHealthy := g.presence.Healthy()
	status := map[string]interface{}{
		"status":       "ok",
		"accepting":    g.accepting.Load(),
		"busHealthy":   busHealthy,
		"storeHealthy": storeHealthy,
		"connections":  g.connCount(),
	}
	if !busHealthy || !storeHealthy {
		status["status"] = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// statsHandler is the operational metrics surface for collaborators.
func (g *Gateway) statsHandler(w http.ResponseWriter, r *http.Request) {
	local := g.registry.Local()
	resp := map[string]interface{}{
		"serverId":         local.InstanceID,
		"localConnections": local.LocalConnections,
		"uptime":           local.Uptime.Round(time.Second).String(),
	}
	global, err := g.registry.Global()
	if err != nil {
		slog.Warn("Global metrics unavailable", "error", err)
		resp["totalConnections"] = local.LocalConnections
		resp["serverCount"] = 1
		resp["degraded"] = true
	} else {
		resp["totalConnections"] = global.TotalConnections
		resp["serverCount"] = global.InstanceCount
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
