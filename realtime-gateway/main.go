package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otelhelper "github.com/example/taskboard-realtime/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	instanceID := uuid.NewString()
	meter := otel.Meter("realtime-gateway")

	slog.Info("Starting Realtime Gateway",
		"instance", instanceID,
		"listen", cfg.ListenAddr,
		"nats_url", cfg.NatsURL,
		"max_connections", cfg.MaxConnections,
	)

	// Token verifier: JWKS against the token issuer, or a shared HMAC secret.
	var verifier TokenVerifier
	switch {
	case cfg.AuthJWKSURL != "":
		jwksVerifier, err := NewJWKSVerifier(cfg.AuthJWKSURL, cfg.AuthIssuer)
		if err != nil {
			slog.Error("Failed to initialize JWKS verifier", "error", err)
			os.Exit(1)
		}
		defer jwksVerifier.Close()
		verifier = jwksVerifier
	case cfg.AuthJWTSecret != "":
		verifier = NewSecretVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer)
	default:
		slog.Error("No token verifier configured: set AUTH_JWKS_URL or AUTH_JWT_SECRET")
		os.Exit(1)
	}

	// Connect to PostgreSQL for room authorization checks
	db, err := otelsql.Open("postgres", cfg.DatabaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.Ping(); err == nil {
			break
		}
		slog.Info("Waiting for database", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Database not ready", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	breaker := NewCircuitBreaker(5, 10)

	createKVBuckets := func(js nats.JetStreamContext) error {
		if _, err := newPresenceBucket(js, cfg.StaleTimeout); err != nil {
			return err
		}
		if _, err := newInstanceBucket(js, cfg.HeartbeatInterval); err != nil {
			return err
		}
		return nil
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("realtime-gateway-"+instanceID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected — local-only delivery until reconnect", "error", err)
				breaker.RecordFailure()
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected — recreating KV buckets")
				breaker.RecordSuccess()
				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if kvErr := createKVBuckets(js); kvErr != nil {
					slog.Error("Failed to recreate KV buckets after reconnect", "error", kvErr)
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := createKVBuckets(js); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS KV buckets ready", "buckets", presenceBucket+", "+instanceBucket)

	presenceKV, _ := js.KeyValue(presenceBucket)
	instanceKV, _ := js.KeyValue(instanceBucket)

	presence := NewPresenceStore(presenceKV)
	rooms := NewRoomManager(NewSQLAuthorizer(db))
	bus := NewBus(nc, breaker)
	gw := NewGateway(cfg, instanceID, verifier, rooms, presence, bus, meter)

	registry := NewInstanceRegistry(instanceKV, instanceID, gw.connCount)
	gw.SetRegistry(registry)
	if err := registry.RegisterSelf(); err != nil {
		slog.Error("Failed to register instance", "error", err)
		os.Exit(1)
	}

	// Every instance receives every envelope and filters locally.
	if err := bus.Subscribe(gw.handleBusMessage); err != nil {
		slog.Error("Failed to subscribe to broadcast subject", "error", err)
		os.Exit(1)
	}

	newJS, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context for leader lease", "error", err)
		os.Exit(1)
	}
	leader, err := NewLeaderLease(ctx, newJS, instanceID, cfg.StaleTimeout)
	if err != nil {
		slog.Error("Failed to create leader lease", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go registry.Run(bgCtx, cfg.HeartbeatInterval)
	go NewReconciler(gw, presence, leader, cfg.PresenceSyncInterval, cfg.StaleTimeout, meter).Run(bgCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/health", gw.healthHandler)
	mux.HandleFunc("/stats", gw.statsHandler)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Realtime gateway ready — websocket on /ws, probes on /health and /stats")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down realtime gateway", "timeout", cfg.ShutdownTimeout)

	// Ordered drain, bounded by a hard timeout: stop admissions, notify
	// clients, deregister, drop subscriptions, then drain NATS.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Shutdown(shutdownCtx)
		gw.Shutdown(shutdownCtx)
		bgCancel()
		nc.Drain()
	}()

	select {
	case <-done:
		slog.Info("Realtime gateway shutdown complete")
	case <-shutdownCtx.Done():
		slog.Error("Shutdown timed out, exiting forcibly")
		os.Exit(1)
	}
}
