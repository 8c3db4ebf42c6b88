package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// InstanceRecord is this process's entry in the shared registry. The bucket
// TTL is the crash detector: heartbeats stop, the record expires.
type InstanceRecord struct {
	InstanceID      string `json:"instanceId"`
	StartedAt       int64  `json:"startedAt"`
	PID             int    `json:"pid"`
	ConnectionCount int    `json:"connectionCount"`
	LastHeartbeatAt int64  `json:"lastHeartbeatAt"`
}

// GlobalMetrics aggregates all live instances.
type GlobalMetrics struct {
	TotalConnections  int            `json:"totalConnections"`
	InstanceCount     int            `json:"instanceCount"`
	PerInstanceCounts map[string]int `json:"perInstanceCounts"`
}

// aggregateInstances folds non-expired instance records into global counts.
func aggregateInstances(records []InstanceRecord) GlobalMetrics {
	m := GlobalMetrics{PerInstanceCounts: make(map[string]int, len(records))}
	for _, rec := range records {
		m.InstanceCount++
		m.TotalConnections += rec.ConnectionCount
		m.PerInstanceCounts[rec.InstanceID] = rec.ConnectionCount
	}
	return m
}

const instanceBucket = "INSTANCES"

// newInstanceBucket creates (or re-binds to) the INSTANCES bucket. TTL is
// three heartbeat intervals: one missed beat is jitter, three is a crash.
func newInstanceBucket(js nats.JetStreamContext, heartbeatInterval time.Duration) (nats.KeyValue, error) {
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  instanceBucket,
		History: 1,
		TTL:     3 * heartbeatInterval,
		Storage: nats.MemoryStorage,
	})
}

// InstanceRegistry self-registers this process and keeps its record fresh.
type InstanceRegistry struct {
	kv         nats.KeyValue
	instanceID string
	startedAt  time.Time
	pid        int
	countFn    func() int
}

func NewInstanceRegistry(kv nats.KeyValue, instanceID string, countFn func() int) *InstanceRegistry {
	return &InstanceRegistry{
		kv:         kv,
		instanceID: instanceID,
		startedAt:  time.Now(),
		pid:        os.Getpid(),
		countFn:    countFn,
	}
}

// RegisterSelf writes this instance's record, refreshing the TTL. Called at
// startup and by every heartbeat.
func (r *InstanceRegistry) RegisterSelf() error {
	rec := InstanceRecord{
		InstanceID:      r.instanceID,
		StartedAt:       r.startedAt.UnixMilli(),
		PID:             r.pid,
		ConnectionCount: r.countFn(),
		LastHeartbeatAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	if _, err := r.kv.Put(r.instanceID, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Run heartbeats on a fixed interval until the context ends.
func (r *InstanceRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RegisterSelf(); err != nil {
				slog.Warn("Instance heartbeat failed", "error", err)
			}
		}
	}
}

// Deregister removes this instance's record on graceful shutdown, so the
// cluster does not wait out the TTL.
func (r *InstanceRegistry) Deregister() error {
	if err := r.kv.Delete(r.instanceID); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Global scans the registry bucket and aggregates all live instances.
func (r *InstanceRegistry) Global() (GlobalMetrics, error) {
	watcher, err := r.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return GlobalMetrics{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer watcher.Stop()

	var records []InstanceRecord
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		var rec InstanceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Skipping malformed instance record", "key", entry.Key(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return aggregateInstances(records), nil
}

// LocalMetrics reports this process only, without a store round-trip.
type LocalMetrics struct {
	InstanceID       string        `json:"serverId"`
	LocalConnections int           `json:"localConnections"`
	Uptime           time.Duration `json:"uptime"`
}

func (r *InstanceRegistry) Local() LocalMetrics {
	return LocalMetrics{
		InstanceID:       r.instanceID,
		LocalConnections: r.countFn(),
		Uptime:           time.Since(r.startedAt),
	}
}
