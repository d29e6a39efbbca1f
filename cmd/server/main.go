// Package main is the entry point for the Bourse stock exchange simulator.
// It runs the matching engine on a schedule, manages trading sessions, and
// serves the exchange API over HTTP.
//
// The application follows clean architecture principles:
// - Domain layer is pure (no infrastructure dependencies)
// - Dependency injection via DI container
// - Repository pattern for data access
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/bourse/internal/config"
	"github.com/aristath/bourse/internal/di"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/scheduler"
	"github.com/aristath/bourse/internal/server"
	"github.com/aristath/bourse/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Bourse")

	// Wire all dependencies: database, repositories, services
	container, err := di.Wire(cfg, events.LogPolicy{Log: log}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Matching cycle on a fixed interval
	matchingJob := scheduler.NewMatchingJob(container.Engine, log)
	sched := scheduler.New(log)
	schedule := fmt.Sprintf("@every %ds", int(cfg.MatchingInterval.Seconds()))
	if err := sched.AddJob(schedule, matchingJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register matching job")
	}

	// Daily database upkeep at 02:00
	maintenanceJob := scheduler.NewMaintenanceJob(container.ExchangeDB, cfg.DataDir, log)
	if err := sched.AddJob("0 2 * * *", maintenanceJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance job")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Container: container,
	})
	srv.SetMatchingJob(matchingJob)

	// Start server in goroutine so shutdown handling can run on the main one
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop the scheduler first so no matching cycle starts mid-shutdown
	sched.Stop()

	// Give in-flight requests up to 10 seconds to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
