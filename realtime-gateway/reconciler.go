package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LeaderLease elects one instance via a TTL key: whoever creates the key
// holds the lease and renews it each beat; if the holder dies the key
// expires and another instance takes over.
type LeaderLease struct {
	kv         jetstream.KeyValue
	instanceID string
	key        string
	leaderFlag bool
}

const (
	leaderBucket = "REALTIME_LEADER"
	leaderKey    = "presence-sweeper"
)

func NewLeaderLease(ctx context.Context, js jetstream.JetStream, instanceID string, ttl time.Duration) (*LeaderLease, error) {
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: leaderBucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create leader bucket: %w", err)
	}
	return &LeaderLease{kv: kv, instanceID: instanceID, key: leaderKey}, nil
}

// IsLeader reports the result of the last Tick.
func (l *LeaderLease) IsLeader() bool {
	return l.leaderFlag
}

// Tick acquires or renews the lease. Called from the reconciler loop only,
// so no locking is needed.
func (l *LeaderLease) Tick(ctx context.Context) {
	if l.leaderFlag {
		l.renew(ctx)
		return
	}
	l.tryAcquire(ctx)
}

func (l *LeaderLease) tryAcquire(ctx context.Context) {
	if _, err := l.kv.Create(ctx, l.key, []byte(l.instanceID)); err == nil {
		l.leaderFlag = true
		slog.Info("Acquired sweep leadership", "instance", l.instanceID)
		return
	}
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return
	}
	l.leaderFlag = string(entry.Value()) == l.instanceID
}

func (l *LeaderLease) renew(ctx context.Context) {
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil || string(entry.Value()) != l.instanceID {
		slog.Warn("Lost sweep leadership", "instance", l.instanceID)
		l.leaderFlag = false
		return
	}
	if _, err := l.kv.Update(ctx, l.key, []byte(l.instanceID), entry.Revision()); err != nil {
		slog.Warn("Failed to renew sweep leadership", "instance", l.instanceID, "error", err)
		l.leaderFlag = false
	}
}

// StepDown releases the lease if held.
func (l *LeaderLease) StepDown(ctx context.Context) {
	if !l.leaderFlag {
		return
	}
	entry, err := l.kv.Get(ctx, l.key)
	if err == nil && string(entry.Value()) == l.instanceID {
		l.kv.Delete(ctx, l.key)
		slog.Info("Released sweep leadership", "instance", l.instanceID)
	}
	l.leaderFlag = false
}

// Reconciler runs the two periodic repair tasks: the full presence snapshot
// broadcast (every instance, so clients that joined mid-stream converge) and
// the stale-record sweep (leader only — N concurrent sweeps would just race
// each other on deletes).
type Reconciler struct {
	gw     *Gateway
	store  *PresenceStore
	leader *LeaderLease

	syncInterval time.Duration
	staleTimeout time.Duration

	sweepCounter metric.Int64Counter
}

func NewReconciler(gw *Gateway, store *PresenceStore, leader *LeaderLease, syncInterval, staleTimeout time.Duration, meter metric.Meter) *Reconciler {
	sweepCounter, _ := meter.Int64Counter("presence_sweep_removed_total",
		metric.WithDescription("Stale presence records removed by the sweep"))
	return &Reconciler{
		gw:           gw,
		store:        store,
		leader:       leader,
		syncInterval: syncInterval,
		staleTimeout: staleTimeout,
		sweepCounter: sweepCounter,
	}
}

// Run loops until the context ends. The sweep fires every staleTimeout/2,
// the leadership beat with it.
func (r *Reconciler) Run(ctx context.Context) {
	syncTicker := time.NewTicker(r.syncInterval)
	sweepTicker := time.NewTicker(r.staleTimeout / 2)
	defer syncTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.leader.StepDown(context.Background())
			return
		case <-syncTicker.C:
			r.gw.broadcastPresence(ctx)
		case <-sweepTicker.C:
			r.leader.Tick(ctx)
			if !r.leader.IsLeader() {
				continue
			}
			removed, err := r.store.Sweep(time.Now(), r.staleTimeout)
			if err != nil {
				slog.Warn("Stale presence sweep failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				r.sweepCounter.Add(ctx, int64(len(removed)), metric.WithAttributes(
					attribute.String("instance", r.gw.instanceID),
				))
				slog.Info("Swept stale presence records", "removed", len(removed))
				r.gw.broadcastPresence(ctx)
			}
		}
	}
}
