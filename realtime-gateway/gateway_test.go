package main

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestBearerToken_QueryString(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc123", nil)
	if got := bearerToken(r); got != "abc123" {
		t.Errorf("Expected abc123, got %q", got)
	}
}

func TestBearerToken_AuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz789")
	if got := bearerToken(r); got != "xyz789" {
		t.Errorf("Expected xyz789, got %q", got)
	}
}

func TestBearerToken_QueryWinsOverHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	r.Header.Set("Authorization", "Bearer fromheader")
	if got := bearerToken(r); got != "fromquery" {
		t.Errorf("Expected fromquery, got %q", got)
	}
}

func TestBearerToken_Missing(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("Expected empty token, got %q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := bearerToken(r); got != "" {
		t.Errorf("Non-bearer scheme should yield no token, got %q", got)
	}
}

func TestReserveSlot_ConcurrentHandshakesCannotOvershoot(t *testing.T) {
	cfg := loadConfig()
	cfg.MaxConnections = 3
	gw := NewGateway(cfg, "inst-1", nil, NewRoomManager(nil), nil, nil, otel.Meter("test"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gw.reserveSlot() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 3 {
		t.Errorf("Expected exactly 3 admissions for 20 concurrent handshakes, got %d", admitted)
	}
}

func TestReserveSlot_ReleasedSlotIsReusable(t *testing.T) {
	cfg := loadConfig()
	cfg.MaxConnections = 1
	gw := NewGateway(cfg, "inst-1", nil, NewRoomManager(nil), nil, nil, otel.Meter("test"))

	if !gw.reserveSlot() {
		t.Fatal("First reservation should succeed")
	}
	if gw.reserveSlot() {
		t.Fatal("Second reservation should fail at capacity 1")
	}
	gw.releaseSlot()
	if !gw.reserveSlot() {
		t.Error("Released slot should be reusable")
	}
}

func TestServeWS_RejectsAtCapacity(t *testing.T) {
	cfg := loadConfig()
	cfg.MaxConnections = 1
	verifier := NewSecretVerifier(testSecret, "")
	gw := NewGateway(cfg, "inst-1", verifier, NewRoomManager(nil), nil, nil, otel.Meter("test"))

	gw.reserveSlot() // the one slot is taken

	r := httptest.NewRequest("GET", "/ws?token="+signToken(t, validClaims(), testSecret), nil)
	w := httptest.NewRecorder()
	gw.ServeWS(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 at capacity, got %d", w.Code)
	}
}
