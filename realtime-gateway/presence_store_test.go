package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e *fakeEntry) Bucket() string             { return presenceBucket }
func (e *fakeEntry) Key() string                { return e.key }
func (e *fakeEntry) Value() []byte              { return e.value }
func (e *fakeEntry) Revision() uint64           { return e.rev }
func (e *fakeEntry) Created() time.Time         { return time.Time{} }
func (e *fakeEntry) Delta() uint64              { return 0 }
func (e *fakeEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

type fakeWatcher struct {
	ch chan nats.KeyValueEntry
}

func (w *fakeWatcher) Updates() <-chan nats.KeyValueEntry { return w.ch }
func (w *fakeWatcher) Stop() error                        { return nil }
func (w *fakeWatcher) Context() context.Context           { return context.Background() }

// fakeKV is an in-memory stand-in for a KV bucket. The embedded interface
// covers the methods the store never calls; deleteErr injects the error a
// revision-pinned delete returns when a concurrent write bumped the key.
type fakeKV struct {
	nats.KeyValue

	mu        sync.Mutex
	rev       uint64
	data      map[string]*fakeEntry
	deleteErr map[string]error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:      make(map[string]*fakeEntry),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeKV) Get(key string) (nats.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return e, nil
}

func (f *fakeKV) Put(key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.data[key] = &fakeEntry{key: key, value: value, rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Delete(key string, _ ...nats.DeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.deleteErr[key]; ok {
		return err
	}
	if _, ok := f.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

func (f *fakeKV) WatchAll(_ ...nats.WatchOpt) (nats.KeyWatcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan nats.KeyValueEntry, len(f.data)+1)
	for _, e := range f.data {
		ch <- e
	}
	ch <- nil // end of initial values
	return &fakeWatcher{ch: ch}, nil
}

func putRecord(t *testing.T, kv *fakeKV, rec PresenceRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}
	if _, err := kv.Put(rec.UserID, data); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}
}

func getRecord(t *testing.T, kv *fakeKV, userID string) (PresenceRecord, bool) {
	t.Helper()
	entry, err := kv.Get(userID)
	if err == nats.ErrKeyNotFound {
		return PresenceRecord{}, false
	}
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var rec PresenceRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return rec, true
}

func TestPresenceStore_UpsertCreatesAndMerges(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)

	rec, err := store.Upsert("u1", PresenceFields{
		DisplayName:  "Alice",
		ConnectionID: "c1",
		InstanceID:   "inst-1",
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if rec.Status != "online" {
		t.Errorf("Fresh record should default to online, got %q", rec.Status)
	}

	// Partial update must merge into the stored record, not replace it.
	if _, err := store.Upsert("u1", PresenceFields{Status: "away"}); err != nil {
		t.Fatalf("Partial upsert failed: %v", err)
	}
	stored, ok := getRecord(t, kv, "u1")
	if !ok {
		t.Fatal("Record missing after upsert")
	}
	if stored.Status != "away" || stored.DisplayName != "Alice" || stored.ConnectionID != "c1" {
		t.Errorf("Merge lost fields: %+v", stored)
	}
}

func TestPresenceStore_RemoveIfConnection(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)

	store.Upsert("u1", PresenceFields{ConnectionID: "c1"})
	if err := store.RemoveIfConnection("u1", "c1"); err != nil {
		t.Fatalf("RemoveIfConnection failed: %v", err)
	}
	if _, ok := getRecord(t, kv, "u1"); ok {
		t.Error("Record should be gone after its own connection disconnects")
	}
}

func TestPresenceStore_RemoveIfConnectionKeepsNewerSession(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)

	// u1 reconnected elsewhere; the record belongs to c2 now.
	store.Upsert("u1", PresenceFields{ConnectionID: "c2", InstanceID: "inst-2"})

	if err := store.RemoveIfConnection("u1", "c1"); err != nil {
		t.Fatalf("RemoveIfConnection failed: %v", err)
	}
	stored, ok := getRecord(t, kv, "u1")
	if !ok {
		t.Fatal("Old connection's disconnect must not erase the newer session")
	}
	if stored.ConnectionID != "c2" {
		t.Errorf("Expected c2 to keep the record, got %+v", stored)
	}
}

func TestPresenceStore_RemoveIfConnectionMissingKey(t *testing.T) {
	store := NewPresenceStore(newFakeKV())
	if err := store.RemoveIfConnection("ghost", "c1"); err != nil {
		t.Errorf("Missing key should be a no-op, got %v", err)
	}
}

func TestPresenceStore_ListAllSkipsMalformed(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)

	putRecord(t, kv, PresenceRecord{UserID: "u1", Status: "online"})
	kv.Put("junk", []byte("not json"))

	records, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(records) != 1 || records[0].UserID != "u1" {
		t.Errorf("Expected just u1, got %+v", records)
	}
}

func TestPresenceStore_SweepRemovesStale(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)
	now := time.Now()
	staleTimeout := 90 * time.Second

	putRecord(t, kv, PresenceRecord{
		UserID:         "dead",
		LastActivityAt: now.Add(-2 * staleTimeout).UnixMilli(),
	})
	putRecord(t, kv, PresenceRecord{
		UserID:         "alive",
		LastActivityAt: now.Add(-10 * time.Second).UnixMilli(),
	})

	removed, err := store.Sweep(now, staleTimeout)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "dead" {
		t.Fatalf("Expected exactly [dead] removed, got %v", removed)
	}
	if _, ok := getRecord(t, kv, "dead"); ok {
		t.Error("Stale record still present after sweep")
	}
	if _, ok := getRecord(t, kv, "alive"); !ok {
		t.Error("Fresh record must survive the sweep")
	}
}

func TestPresenceStore_SweepConcurrentRefreshWins(t *testing.T) {
	kv := newFakeKV()
	store := NewPresenceStore(kv)
	now := time.Now()
	staleTimeout := 90 * time.Second

	putRecord(t, kv, PresenceRecord{
		UserID:         "u1",
		LastActivityAt: now.Add(-2 * staleTimeout).UnixMilli(),
	})
	// A heartbeat lands between the scan and the delete: the pinned delete
	// fails and the record stays.
	kv.deleteErr["u1"] = errors.New("nats: wrong last sequence")

	removed, err := store.Sweep(now, staleTimeout)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("Lost delete race must not be reported as removed, got %v", removed)
	}
	if _, ok := getRecord(t, kv, "u1"); !ok {
		t.Error("Record should survive when its delete loses the race")
	}
}
