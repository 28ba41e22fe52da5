package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/looplab/loopcore/pkg/assistant"
	"github.com/looplab/loopcore/pkg/config"
	"github.com/looplab/loopcore/pkg/events"
	httpserver "github.com/looplab/loopcore/pkg/http"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/notify"
	"github.com/looplab/loopcore/pkg/orchestrator"
	"github.com/looplab/loopcore/pkg/presence"
	"github.com/looplab/loopcore/pkg/reconciler"
	"github.com/looplab/loopcore/pkg/repository"
	"github.com/looplab/loopcore/pkg/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		logger.Fatal("failed to open store", "error", err)
	}
	registry := repository.NewGormRegistry(db)

	hub := events.NewHub(logger)
	var dispatcher events.EventDispatcher = events.NewHubEventDispatcher(hub)
	dispatcher = notify.NewService(dispatcher, &notify.LogSender{Logger: logger}, logger)
	dispatcher = presence.NewSessionHook(dispatcher, registry.Presence, logger)

	sched := scheduler.NewService(registry, dispatcher, logger, cfg.Sync.MaxWriteRetries)
	rooms := orchestrator.NewJitsiProvider(cfg.Session.RoomBaseURL)
	orch := orchestrator.New(registry, rooms, dispatcher, logger, orchestrator.Config{
		LiveCeiling:   cfg.Session.LiveCeiling,
		SweepInterval: cfg.Session.SweepInterval,
		ReminderLead:  cfg.Session.ReminderLead,
		MaxRetries:    cfg.Sync.MaxWriteRetries,
	})
	tracker := presence.NewTracker(registry.Presence, orch, dispatcher, logger, presence.Config{
		HeartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		SweepInterval:    cfg.Presence.SweepInterval,
	})
	rec := reconciler.New(sched, orch, registry, logger)
	assist := assistant.NewService(cfg.Assistant, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)
	go tracker.Run(ctx)
	go forwardChanges(ctx, registry.Feed, dispatcher, logger)

	server := httpserver.NewServer(cfg.Server, httpserver.Deps{
		Scheduler:  sched,
		Orch:       orch,
		Tracker:    tracker,
		Reconciler: rec,
		Assistant:  assist,
		Conflicts:  registry.Conflicts,
		Hub:        hub,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server error", "error", err)
		}
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	flushInFlight(shutdownCtx, tracker, rec, logger)
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("server stopped")
}

// flushInFlight runs one last presence sweep and drains the pending
// mutation queue so shutdown does not strand queued work.
func flushInFlight(ctx context.Context, tracker *presence.Tracker, rec *reconciler.Reconciler, logger *logging.Logger) {
	tracker.Sweep(ctx)
	if err := rec.Drain(ctx, func(reconciler.Result) bool { return true }); err != nil {
		logger.Error("final mutation drain failed", "error", err)
	}
}

// forwardChanges streams the store change feed to connected clients so a
// device can catch up from its last observed sequence after a reconnect.
func forwardChanges(ctx context.Context, feed repository.Watcher, dispatcher events.EventDispatcher, logger *logging.Logger) {
	changes, err := feed.Watch(ctx, 0)
	if err != nil {
		logger.Error("failed to watch change feed", "error", err)
		return
	}
	for change := range changes {
		dispatcher.Dispatch(events.Event{
			Type:    events.EventStoreChange,
			Channel: "changes",
			Data:    change,
		})
	}
}
