package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/api/http"
	"github.com/wallestars/orchestration-hub/internal/application/orchestrator"
	"github.com/wallestars/orchestration-hub/internal/application/snapshot"
	"github.com/wallestars/orchestration-hub/internal/config"
	"github.com/wallestars/orchestration-hub/internal/infrastructure/postgres"
	"github.com/wallestars/orchestration-hub/internal/infrastructure/sse"
	"github.com/wallestars/orchestration-hub/internal/infrastructure/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	manager := orchestrator.NewManager(orchestrator.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		OverloadThreshold:  cfg.OverloadThreshold,
		HeartbeatTimeout:   cfg.AgentHeartbeatTimeout,
		EventBuffer:        cfg.EventBuffer,
		RetainCleared:      cfg.SnapshotsEnabled(),
	}, webhook.NewExecutor(cfg.ExecutorTimeout, logger), logger)

	if cfg.AgentsFile != "" {
		seeds, err := config.LoadAgents(cfg.AgentsFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AgentsFile).Msg("failed to load agents")
		}
		for _, s := range seeds {
			if _, err := manager.RegisterAgent(s.ID, s.Config); err != nil {
				logger.Fatal().Err(err).Str("agent_id", s.ID).Msg("failed to register seeded agent")
			}
		}
	}

	// infrastructure
	sseHub := sse.NewHub()
	events, unsubscribe := manager.Subscribe(cfg.EventBuffer)
	defer unsubscribe()
	go sse.NewRelay(sseHub, logger).Run(ctx, events)

	var archive *snapshot.Service
	snapshotDone := make(chan struct{})
	if cfg.SnapshotsEnabled() {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{
			MaxConns:        int32(cfg.DBMaxConns),
			MinConns:        int32(cfg.DBMinConns),
			MaxConnIdleTime: cfg.DBMaxConnIdle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		archive = snapshot.NewService(
			postgres.NewAgentRepository(pool),
			postgres.NewTaskRepository(pool),
			manager,
			logger,
		)
		go func() {
			defer close(snapshotDone)
			archive.Run(ctx, cfg.SnapshotInterval)
		}()
	} else {
		close(snapshotDone)
		logger.Info().Msg("DATABASE_URL not set; snapshots disabled")
	}

	// background loops
	go func() {
		ticker := time.NewTicker(cfg.SLACheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				manager.ProcessSLA(now)
				manager.ProcessStaleAgents(now)
			}
		}
	}()

	// API server
	apiServer := httpapi.NewServer(manager, archive, sseHub)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := manager.Close(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("orchestrator shutdown")
	}
	stop()
	<-snapshotDone
}
