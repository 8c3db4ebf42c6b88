package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// connState is the lifecycle of one connection. Transitions only move
// forward: Connecting → Authenticated → Active → Closing → Closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateActive
	stateClosing
	stateClosed
)

const (
	// sendBuffer bounds the per-connection outbound queue. A slow client
	// loses best-effort frames first and the connection itself if a
	// must-deliver frame cannot be queued.
	sendBuffer = 64

	maxFrameSize = 32 * 1024
	writeWait    = 10 * time.Second
)

// clientFrame is the inbound wire format: {"event": "...", "data": {...}}.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverFrame is the outbound wire format.
type serverFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func encodeServerFrame(event string, data interface{}) ([]byte, error) {
	return json.Marshal(serverFrame{Event: event, Data: data})
}

// Connection is one client socket. Owned exclusively by this instance and
// mutated only by its own reader; never shared across instances.
type Connection struct {
	id          string
	identity    Identity
	instanceID  string
	connectedAt time.Time

	ws    *websocket.Conn
	state atomic.Int32

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newConnection(id string, identity Identity, instanceID string, ws *websocket.Conn) *Connection {
	c := &Connection{
		id:          id,
		identity:    identity,
		instanceID:  instanceID,
		connectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
	}
	c.state.Store(int32(stateAuthenticated))
	return c
}

func (c *Connection) State() connState {
	return connState(c.state.Load())
}

// enqueue queues a frame for the writer. Returns false if the frame was not
// queued: connection closed, or buffer full. A full buffer drops best-effort
// frames silently and closes the connection for must-deliver frames — a
// client that far behind is effectively dead.
func (c *Connection) enqueue(frame []byte, bestEffort bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()
	if !bestEffort {
		c.shutdown()
	}
	return false
}

// shutdown moves the connection to Closing and wakes the writer to finish.
// Safe to call from any goroutine, repeatedly.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state.Store(int32(stateClosing))
	close(c.send)
	c.mu.Unlock()
}

// readPump reads client frames until the socket dies. One goroutine per
// connection; inbound events are FIFO per socket. It owns the read deadline:
// a pong (or any read) resets it, so a connection that misses pongs for
// pongWait is treated as dead.
func (c *Connection) readPump(gw *Gateway, pongWait time.Duration) {
	defer gw.onDisconnect(c, "read loop ended")

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.state.Store(int32(stateActive))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		gw.handleFrame(c, data)
	}
}

// writePump drains the send channel and keeps the ping cycle going.
// The only goroutine that writes to the socket.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.state.Store(int32(stateClosed))
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEvent encodes and enqueues a direct server→client event (acks, errors).
func (c *Connection) sendEvent(event string, data interface{}) {
	frame, err := encodeServerFrame(event, data)
	if err != nil {
		return
	}
	c.enqueue(frame, false)
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn %s (user %s)", c.id, c.identity.UserID)
}
