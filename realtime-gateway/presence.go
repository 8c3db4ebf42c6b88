package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Presence statuses a client may set.
var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "do-not-disturb": true,
}

// PresenceRecord is the shared soft state for one connected user. One record
// per user, last writer wins: a user connecting from a second instance
// overwrites connectionId/instanceId, so personal notifications follow the
// newest connection.
type PresenceRecord struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
	Email          string `json:"email,omitempty"`
	ConnectionID   string `json:"connectionId"`
	InstanceID     string `json:"instanceId"`
	Status         string `json:"status"`
	CurrentView    string `json:"currentView,omitempty"`
	LastActivityAt int64  `json:"lastActivityAt"`
	ConnectedAt    int64  `json:"connectedAt"`
}

// PresenceFields is a partial update: empty strings leave the stored value
// unchanged. LastActivityAt is always set to the write time.
type PresenceFields struct {
	DisplayName  string
	Email        string
	ConnectionID string
	InstanceID   string
	Status       string
	CurrentView  string
	ClearView    bool
	ConnectedAt  int64
}

// mergePresence applies a partial update to an existing record (nil for a
// fresh connect) and stamps the activity time.
func mergePresence(old *PresenceRecord, userID string, f PresenceFields, now time.Time) PresenceRecord {
	rec := PresenceRecord{UserID: userID, Status: "online"}
	if old != nil {
		rec = *old
		rec.UserID = userID
	}
	if f.DisplayName != "" {
		rec.DisplayName = f.DisplayName
	}
	if f.Email != "" {
		rec.Email = f.Email
	}
	if f.ConnectionID != "" {
		rec.ConnectionID = f.ConnectionID
	}
	if f.InstanceID != "" {
		rec.InstanceID = f.InstanceID
	}
	if f.Status != "" {
		rec.Status = f.Status
	}
	if f.CurrentView != "" {
		rec.CurrentView = f.CurrentView
	} else if f.ClearView {
		rec.CurrentView = ""
	}
	if f.ConnectedAt != 0 {
		rec.ConnectedAt = f.ConnectedAt
	}
	if rec.ConnectedAt == 0 {
		rec.ConnectedAt = now.UnixMilli()
	}
	rec.LastActivityAt = now.UnixMilli()
	return rec
}

// isStale reports whether a record has gone without refresh for longer than
// the stale timeout. The bucket TTL is the physical backstop; this predicate
// is the logical one the sweep uses.
func isStale(rec PresenceRecord, now time.Time, staleTimeout time.Duration) bool {
	last := time.UnixMilli(rec.LastActivityAt)
	return now.Sub(last) > staleTimeout
}

// PresenceStore makes "who is online, doing what" observable from any
// instance, backed by a TTL key/value bucket. Store failures degrade
// presence features; they never refuse connections.
type PresenceStore struct {
	kv nats.KeyValue
}

const presenceBucket = "PRESENCE"

// newPresenceBucket creates (or re-binds to) the PRESENCE bucket. The TTL is
// twice the stale timeout: refreshes keep live records alive, and the sweep
// removes logically-dead records well before the store would.
func newPresenceBucket(js nats.JetStreamContext, staleTimeout time.Duration) (nats.KeyValue, error) {
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		TTL:     2 * staleTimeout,
		Storage: nats.MemoryStorage,
	})
}

func NewPresenceStore(kv nats.KeyValue) *PresenceStore {
	return &PresenceStore{kv: kv}
}

// Upsert partially updates a user's record, refreshing the TTL. Used on
// connect, status change, viewing change, and every client heartbeat.
func (s *PresenceStore) Upsert(userID string, f PresenceFields) (PresenceRecord, error) {
	var old *PresenceRecord
	if entry, err := s.kv.Get(userID); err == nil {
		var rec PresenceRecord
		if json.Unmarshal(entry.Value(), &rec) == nil {
			old = &rec
		}
	}

	rec := mergePresence(old, userID, f, time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal presence record: %w", err)
	}
	if _, err := s.kv.Put(userID, data); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// Healthy reports whether the bucket currently answers status queries.
func (s *PresenceStore) Healthy() bool {
	_, err := s.kv.Status()
	return err == nil
}

// RemoveIfConnection deletes a user's record only if it still belongs to the
// given connection. Best-effort on disconnect; the sweep and the bucket TTL
// repair missed removals. With last-writer-wins records, a user who
// reconnected elsewhere already owns the key; deleting it here would erase
// the newer session. The revision pin closes the read-then-delete race.
func (s *PresenceStore) RemoveIfConnection(userID, connectionID string) error {
	entry, err := s.kv.Get(userID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec PresenceRecord
	if json.Unmarshal(entry.Value(), &rec) == nil && rec.ConnectionID != connectionID {
		return nil
	}
	if err := s.kv.Delete(userID, nats.LastRevision(entry.Revision())); err != nil && err != nats.ErrKeyNotFound {
		slog.Debug("Presence removal lost the race", "user", userID, "error", err)
	}
	return nil
}

// ListAll scans every presence record. Runs on every instance each sync
// interval; a keys-only listing with per-room filtering is the first
// hardening step if the user count makes this scan expensive.
func (s *PresenceStore) ListAll() ([]PresenceRecord, error) {
	watcher, err := s.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer watcher.Stop()

	var records []PresenceRecord
	for entry := range watcher.Updates() {
		if entry == nil {
			break // end of initial values
		}
		var rec PresenceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Skipping malformed presence record", "key", entry.Key(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Sweep removes records whose last activity exceeds staleTimeout. Deletes
// are revision-pinned so a concurrent refresh wins over the sweep. This is
// what repairs presence after an instance crashes without calling Remove.
func (s *PresenceStore) Sweep(now time.Time, staleTimeout time.Duration) ([]string, error) {
	watcher, err := s.kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer watcher.Stop()

	type staleEntry struct {
		key      string
		revision uint64
	}
	var stale []staleEntry
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		var rec PresenceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			stale = append(stale, staleEntry{entry.Key(), entry.Revision()})
			continue
		}
		if isStale(rec, now, staleTimeout) {
			stale = append(stale, staleEntry{entry.Key(), entry.Revision()})
		}
	}

	var removed []string
	for _, e := range stale {
		if err := s.kv.Delete(e.key, nats.LastRevision(e.revision)); err != nil {
			slog.Debug("Stale sweep delete lost the race", "user", e.key, "error", err)
			continue
		}
		removed = append(removed, e.key)
	}
	return removed, nil
}
