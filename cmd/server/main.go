// Command server serves the cache over HTTP and optionally rebuilds it on a
// schedule.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"weathercache/internal/config"
	"weathercache/internal/database"
	"weathercache/internal/events"
	"weathercache/internal/logger"
	"weathercache/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		_, _ = os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("Starting weather cache server")

	ctx := context.Background()
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}
	db, err := database.Open(ctx, database.Options{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN,
		DataDir: cfg.DataDir(),
		Logger:  log,
	})
	if err != nil {
		log.Fatal("Failed to open cache", zap.Error(err))
	}
	defer db.Close()

	publisher, err := events.Open(ctx, cfg.RedisConfig())
	if err != nil {
		log.Warn("Event publishing disabled", zap.Error(err))
		publisher = events.Nop{}
	}
	defer publisher.Close()

	srv := server.New(db, server.Options{
		Publisher:    publisher,
		Logger:       log,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		AccessLog:    true,
	})
	if cfg.Server.RebuildSchedule != "" {
		if err := srv.ScheduleRebuild(cfg.Server.RebuildSchedule); err != nil {
			log.Fatal("Failed to schedule rebuild", zap.Error(err))
		}
	}

	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	log.Info("Server stopped")
}
