package main

import (
	"context"
	"fmt"
	"log/slog"

	otelhelper "github.com/example/taskboard-realtime/pkg/otelhelper"
	"github.com/nats-io/nats.go"
)

// broadcastSubject carries every envelope to every gateway instance,
// publisher included. No queue group: fan-out, not load balancing.
const broadcastSubject = "realtime.broadcast"

// Bus is the publish side of the distributed fan-out. Delivery is
// at-least-once and unordered relative to other publishers; a subscriber
// that is down never sees the message. A circuit breaker turns repeated
// publish failures into fast local-only degradation instead of a stall.
type Bus struct {
	nc      *nats.Conn
	breaker *CircuitBreaker
	sub     *nats.Subscription
}

func NewBus(nc *nats.Conn, breaker *CircuitBreaker) *Bus {
	return &Bus{nc: nc, breaker: breaker}
}

// Subscribe attaches the handler to the broadcast subject. Every instance
// sees every envelope and filters against its own local membership.
func (b *Bus) Subscribe(handler nats.MsgHandler) error {
	sub, err := b.nc.Subscribe(broadcastSubject, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", broadcastSubject, err)
	}
	b.sub = sub
	return nil
}

// PublishGlobal sends an envelope to every instance. The publisher gets no
// local shortcut — its own copy arrives through the same subscription, so
// behavior is identical with one instance or a hundred.
//
// A disconnected client buffers publishes for replay on reconnect and
// reports success, which would leave local clients silent for the whole
// outage. The status check fails fast instead; the breaker covers the slow
// failure modes a live connection can still hit.
func (b *Bus) PublishGlobal(ctx context.Context, data []byte) error {
	if b.nc.Status() != nats.CONNECTED {
		return ErrBusUnavailable
	}
	if !b.breaker.Allow() {
		return ErrBusUnavailable
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, broadcastSubject, data); err != nil {
		b.breaker.RecordFailure()
		if b.breaker.State() == CircuitBreakerOpen {
			slog.Warn("Bus circuit breaker open, degrading to local-only delivery")
		}
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	b.breaker.RecordSuccess()
	return nil
}

// Healthy reports whether the bus is currently usable for global fan-out.
func (b *Bus) Healthy() bool {
	return b.nc.Status() == nats.CONNECTED && b.breaker.State() == CircuitBreakerClosed
}

// Close drops the broadcast subscription.
func (b *Bus) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
}
