package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/savegress/chartsync/internal/api"
	"github.com/savegress/chartsync/internal/config"
	"github.com/savegress/chartsync/internal/engine"
	"github.com/savegress/chartsync/internal/remote"
)

func main() {
	log.Println("Starting ChartSync...")

	// Load configuration
	cfg := loadConfig()

	// Remote clinical-data service client
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.AuthToken, cfg.Remote.Timeout)

	// Build the sync engine
	eng, err := engine.New(cfg, client, nil)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Create API server
	server := api.NewServer(cfg, eng)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("ChartSync API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down ChartSync...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := eng.Stop(); err != nil {
		log.Printf("Engine shutdown error: %v", err)
	}

	log.Println("ChartSync stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CHARTSYNC_CONFIG")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using defaults", configPath, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}
