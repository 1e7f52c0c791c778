package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"crewlink/auth"
	"crewlink/bus"
	"crewlink/contract"
	"crewlink/internal"
	"crewlink/moderation"
	"crewlink/observability"
	"crewlink/projection"
	"crewlink/repositories"
	"crewlink/runtime"
	"crewlink/runtime/workers"
	"crewlink/services"
	"crewlink/ws"
)

const drainTimeout = 10 * time.Second

// Login gets its own budget, tighter than the socket default.
var loginLimit = services.Limit{Window: time.Minute, Max: 5}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the gateway lifecycle, and centralizes error reporting.
// This pattern ensures defers (database cleanup, kafka writers) execute before the process exits,
// and keeps initialization testable away from the main entry point.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()[:8]
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	log.Info("Gateway starting", "node", config.NodeID)

	// 2. Database (BadgerDB): directory, replay buffer and chat archive
	// share one store under distinct key prefixes.
	db, err := badger.Open(badger.DefaultOptions(config.BadgerPath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	//  Defer will be executed before run() returned anything to main()
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Persistence & policy
	directory := repositories.NewDirectory(db, log)
	replay := repositories.NewReplayBuffer(db, log, config.ReplayRetention)
	messages := repositories.NewMessageStore(db, log, config.MessageTailLimit)
	authz := services.NewStaticAuthorizer()
	limiter := services.NewFixedWindowLimiter(config.RateWindow, config.RateMaxEvents).
		WithActionLimit("login", loginLimit)

	if config.DevSeed {
		created, err := directory.Seed(devUsers())
		if err != nil {
			return fmt.Errorf("dev seed failed: %w", err)
		}
		log.Info("Dev users seeded", "created", len(created))
	}

	// 4. Auth
	tokens := auth.NewTokenProvider(config.AuthSecret, config.AccessTokenTTL,
		config.RefreshTokenTTL, config.AuthClockSkew)
	auditLog := observability.NewAuditLog(log)
	gate := auth.NewGate(log, tokens, directory, auditLog, config.AuthRefreshTimeout)

	// 5. Bus, notifier, telemetry emitters
	var eventBus contract.Bus
	var emitters []workers.SnapshotEmitter
	var notifier contract.NotificationDispatcher
	if config.KafkaBrokers != "" {
		brokers := splitBrokers(config.KafkaBrokers)
		kafkaBus := bus.NewKafka(log, brokers, config.KafkaEventsTopic, config.NodeID)
		defer func() { _ = kafkaBus.Close() }()
		eventBus = kafkaBus

		if config.KafkaTelemetryTopic != "" {
			producer := bus.NewTelemetryProducer(log, brokers, config.KafkaTelemetryTopic, config.NodeID)
			defer func() { _ = producer.Close() }()
			emitters = append(emitters, producer)
		}
		if config.KafkaNotifyTopic != "" {
			kafkaNotifier := bus.NewKafkaNotifier(log, brokers, config.KafkaNotifyTopic)
			defer func() { _ = kafkaNotifier.Close() }()
			notifier = kafkaNotifier
		}
	} else {
		localBus := bus.NewLocal(log)
		defer func() { _ = localBus.Close() }()
		eventBus = localBus
	}
	if notifier == nil {
		notifier = bus.NewLogNotifier(log)
	}

	// 6. Moderation
	filter, err := moderation.NewFilter(config.ModerationTerms)
	if err != nil {
		return fmt.Errorf("moderation terms invalid: %w", err)
	}

	// 7. Runtime assembly
	metrics := observability.NewMetrics(log)
	sup := workers.NewSupervisor(log)
	registry := runtime.NewRegistry(log)
	rooms := runtime.NewRooms(log, authz, config.MaxChannelMembers)
	executions := runtime.NewExecutions(log, config.ExecutionTTL)
	router := runtime.NewRouter(log, limiter, authz, auditLog, metrics)
	roster := projection.NewRoster()

	if config.InspectAddr != "" {
		inspector := internal.StartInspector(log, db, config.InspectAddr, func() map[string]any {
			snap := metrics.Latest()
			return map[string]any{
				"node":        config.NodeID,
				"connections": snap.Connections,
				"users":       snap.Users,
				"channels":    snap.Channels,
				"events_in":   snap.EventsIn,
				"events_out":  snap.EventsOut,
			}
		})
		defer func() { _ = inspector.Close() }()
	}

	orchestrator := runtime.NewOrchestrator(log, sup, registry, rooms, executions, router,
		gate, filter, roster, metrics,
		runtime.Deps{
			Bus:       eventBus,
			Replay:    replay,
			Store:     messages,
			Notifier:  notifier,
			Members:   directory,
			Audit:     auditLog,
			Telemetry: emitters,
		},
		runtime.Options{
			NodeID:            config.NodeID,
			OutboundBuffer:    config.OutboundBuffer,
			ReplayLimit:       config.ReplayLimit,
			SinkTimeout:       config.SinkTimeout,
			HeartbeatInterval: config.HeartbeatInterval,
			InactivityTimeout: config.InactivityTimeout,
			ExecutionSweep:    config.ExecutionSweep,
			StatsInterval:     config.StatsInterval,
		})

	// 8. Context & signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 9. Start the engine. Start blocks in the supervisor until shutdown,
	// so it runs beside the HTTP listener.
	errChan := make(chan error, 1)
	go func() {
		errChan <- orchestrator.Start(ctx)
	}()

	// 10. Transport
	authService := services.NewAuthService(log, directory, tokens, gate, limiter, auditLog)
	server := ws.NewServer(log, ws.Config{Addr: config.ListenAddr, SinkBuffer: config.SinkBuffer},
		orchestrator, gate, metrics, authService.Routes())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	// 11. Wait for stop or engine error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("orchestrator error: %w", err)
		}
	}

	// 12. Final cleanup: stop accepting, close live sockets with a
	// going-away frame, then wind the workers down.
	if err := server.Stop(); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	orchestrator.Drain(drainCtx)
	cancel()
	orchestrator.Stop()

	log.Info("Program stopped cleanly")
	return nil
}

func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// devUsers are the DEV_SEED fixtures. The permission set matches what the
// static authorizer demands for command events.
func devUsers() []repositories.SeedUser {
	perms := []string{"commands:execute"}
	return []repositories.SeedUser{
		{Email: "amara@crewlink.local", Password: "crewlink-dev", OrgID: "dev",
			Roles: []string{"admin"}, Permissions: perms, Channels: []string{"general", "ops"}},
		{Email: "bruno@crewlink.local", Password: "crewlink-dev", OrgID: "dev",
			Roles: []string{"member"}, Permissions: perms, Channels: []string{"general"}},
		{Email: "chloe@crewlink.local", Password: "crewlink-dev", OrgID: "dev",
			Roles: []string{"member"}, Permissions: nil, Channels: []string{"general"}},
	}
}
