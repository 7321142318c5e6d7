package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/forumkit/automation/actions"
	"github.com/forumkit/automation/bus"
	"github.com/forumkit/automation/cron"
	"github.com/forumkit/automation/engine"
	"github.com/forumkit/automation/events"
	"github.com/forumkit/automation/internal/logger"
)

type config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	BusMode       string
	HTTPAddr      string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		BusMode:       os.Getenv("BUS_MODE"),
		HTTPAddr:      os.Getenv("HTTP_ADDR"),
	}
	if cfg.BusMode == "" {
		cfg.BusMode = bus.ModeDurable
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	return cfg
}

func main() {
	log := logger.Setup("automation-worker")
	cfg := loadConfig()

	var (
		ruleStore    engine.RuleStore
		logStore     engine.ExecutionLogStore
		subjectStore actions.SubjectStore
		db           *sql.DB
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			log.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		ruleStore = engine.NewPostgresRuleStore(db)
		logStore = engine.NewPostgresExecutionLogStore(db)
		subjectStore = actions.NewPostgresSubjectStore(db)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory stores (state is lost on restart)")
		ruleStore = engine.NewInMemoryRuleStore()
		logStore = engine.NewInMemoryExecutionLogStore()
		subjectStore = actions.NewInMemorySubjectStore()
	}

	registry := actions.NewRegistry(subjectStore)

	eng, err := engine.New(ruleStore, logStore, registry, log)
	if err != nil {
		log.Error("failed to create rule engine", "error", err)
		os.Exit(1)
	}

	eventBus, err := bus.New(bus.Config{
		Mode: cfg.BusMode,
		Redis: bus.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		},
		Logger: log,
	})
	if err != nil {
		log.Error("failed to create event bus", "error", err)
		os.Exit(1)
	}

	// Every business event runs the engine for its trigger type. Handlers
	// must stay duplicate-safe: delivery is at-least-once.
	for _, eventType := range events.All() {
		trigger, _ := events.TriggerFor(eventType)
		eventBus.On(eventType, func(ctx context.Context, payload map[string]any) error {
			return eng.ExecuteTrigger(ctx, trigger, payload)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eventBus.Initialize(ctx); err != nil {
		log.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}

	cronMgr := cron.NewManager(eng, ruleStore, log)
	if err := cronMgr.Initialize(ctx); err != nil {
		log.Error("failed to initialize cron manager", "error", err)
		os.Exit(1)
	}

	srv := newServer(ruleStore, logStore, eng, cronMgr, eventBus, db, log)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}
	go func() {
		log.Info("admin server listening", "addr", cfg.HTTPAddr, "busMode", cfg.BusMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	eventBus.Stop()
	cronMgr.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown failed: %v\n", err)
	}
}
